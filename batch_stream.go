package fleetpool

import (
	"context"
	"sync"

	"github.com/ygrebnov/fleetpool/dispatcher"
)

// streamFanout reads items from in, submits each as a taskType task, and
// delivers decoded results (and any errors) as they become available. When
// preserveOrder is true it routes completions through the reorderer so
// results land on the output channel in input order; otherwise results are
// emitted in completion order. The total item count is unknown ahead of
// time, unlike batch.go's
// RunAll/Map, which is why this reuses the reorderer instead of an indexed
// slice.
func streamFanout[In, Out any](
	ctx context.Context,
	p *Pool,
	taskType string,
	in <-chan In,
	opts dispatcher.Options,
	preserveOrder bool,
) (<-chan Out, <-chan error, error) {
	results := make(chan Out, 64)
	errsCh := make(chan error, 64)

	var events chan completionEvent[Out]
	reorderDone := make(chan struct{})
	if preserveOrder {
		events = make(chan completionEvent[Out], 64)
		r := newReorderer[Out](events, results)
		go func() {
			r.run(ctx)
			close(reorderDone)
		}()
	} else {
		close(reorderDone)
	}

	go func() {
		var wg sync.WaitGroup
		idx := 0

	intake:
		for {
			select {
			case <-ctx.Done():
				break intake
			case item, ok := <-in:
				if !ok {
					break intake
				}
				i := idx
				idx++
				wg.Add(1)
				go func(i int, item In) {
					defer wg.Done()
					f, err := dispatcher.Submit[In, Out](p.dispatcher, taskType, item, opts, nil)
					if err != nil {
						errsCh <- err
						if events != nil {
							events <- completionEvent[Out]{idx: i, present: false}
						}
						return
					}
					out, err := f.Wait(ctx)
					if err != nil {
						errsCh <- err
						if events != nil {
							events <- completionEvent[Out]{idx: i, present: false}
						}
						return
					}
					if events != nil {
						events <- completionEvent[Out]{idx: i, val: out, present: true}
					} else {
						results <- out
					}
				}(i, item)
			}
		}

		wg.Wait()
		if events != nil {
			close(events)
		}
		<-reorderDone
		close(results)
		close(errsCh)
	}()

	return results, errsCh, nil
}

// RunStream submits every item from in as a taskType task and streams back
// decoded results, the streaming analogue of batch.go's RunAll.
func RunStream[In, Out any](ctx context.Context, p *Pool, taskType string, in <-chan In, opts dispatcher.Options, preserveOrder bool) (<-chan Out, <-chan error, error) {
	return streamFanout[In, Out](ctx, p, taskType, in, opts, preserveOrder)
}

// MapStream is RunStream under another name, kept distinct for callers
// migrating from earlier MapStream(fn) call sites: fn's role is now played
// by whatever worker is registered for taskType.
func MapStream[In, Out any](ctx context.Context, p *Pool, taskType string, in <-chan In, opts dispatcher.Options, preserveOrder bool) (<-chan Out, <-chan error, error) {
	return streamFanout[In, Out](ctx, p, taskType, in, opts, preserveOrder)
}

// ForEachStream submits every item from in as a taskType task, discards
// results, and streams back errors as they occur.
func ForEachStream[In any](ctx context.Context, p *Pool, taskType string, in <-chan In, opts dispatcher.Options) <-chan error {
	_, errsCh, _ := streamFanout[In, any](ctx, p, taskType, in, opts, false)
	return errsCh
}
