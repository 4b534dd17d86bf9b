package fleetpool

import (
	"context"
	"errors"

	"github.com/ygrebnov/fleetpool/dispatcher"
)

// RunAll submits one task per element of inputs against taskType and waits
// for every started task to reach a terminal state: fan out concurrently,
// join errors. Results are returned in input order, since the Dispatcher
// already tracks each task by ID and the count is known upfront. The
// returned error is errors.Join of every task's error (nil if all tasks
// completed without error).
func RunAll[In, Out any](ctx context.Context, p *Pool, taskType string, inputs []In, opts dispatcher.Options) ([]Out, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	futures := make([]dispatcher.Future[Out], len(inputs))
	submitErrs := make([]error, len(inputs))
	for i, in := range inputs {
		f, err := dispatcher.Submit[In, Out](p.dispatcher, taskType, in, opts, nil)
		if err != nil {
			submitErrs[i] = err
			continue
		}
		futures[i] = f
	}

	results := make([]Out, len(inputs))
	var errs []error
	for i := range inputs {
		if submitErrs[i] != nil {
			errs = append(errs, newTaskTaggedError(submitErrs[i], futures[i].ID, i))
			continue
		}
		out, err := futures[i].Wait(ctx)
		if err != nil {
			errs = append(errs, newTaskTaggedError(err, futures[i].ID, i))
			continue
		}
		results[i] = out
	}

	return results, errors.Join(errs...)
}

// Map fans items through taskType and collects each element's decoded
// result, input order preserved.
func Map[In, Out any](ctx context.Context, p *Pool, taskType string, items []In, opts dispatcher.Options) ([]Out, error) {
	return RunAll[In, Out](ctx, p, taskType, items, opts)
}

// ForEach fans items through taskType, discarding results, and returns the
// aggregated error.
func ForEach[In any](ctx context.Context, p *Pool, taskType string, items []In, opts dispatcher.Options) error {
	_, err := RunAll[In, any](ctx, p, taskType, items, opts)
	return err
}
