package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/dispatcher"
	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/transport"
)

type sumInput struct{ A, B int }

func spawnerFor(body transport.Body) manager.SpawnFunc {
	return func(ctx context.Context) (transport.Transport, error) {
		return transport.NewInProcess(body), nil
	}
}

func sumWorkerBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.Type {
			case transport.KindTerminate:
				return
			case transport.KindStartTask:
				args, _ := f.Data.(sumInput)
				out <- transport.Frame{Type: transport.KindTaskComplete, TaskID: f.TaskID, Result: args.A + args.B}
			}
		}
	}
}

func alwaysFailBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.Type {
			case transport.KindTerminate:
				return
			case transport.KindStartTask:
				out <- transport.Frame{Type: transport.KindTaskFailed, TaskID: f.TaskID, Error: "boom"}
			}
		}
	}
}

func slowWorkerBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.Type {
			case transport.KindTerminate:
				return
			case transport.KindStartTask:
				select {
				case <-time.After(150 * time.Millisecond):
					out <- transport.Frame{Type: transport.KindTaskComplete, TaskID: f.TaskID, Result: "done"}
				case <-ctx.Done():
					return
				}
			case transport.KindCancelTask:
				// A cancelled task's worker is expected to settle back to
				// idle rather than reply; nothing to do here since the
				// Dispatcher already resolved the task on its side.
			}
		}
	}
}

// slowBodyWithDelay mimics slowWorkerBody but with a configurable task
// duration and a cancel-task branch that is deliberately unresponsive, to
// exercise the Dispatcher's cancel grace window.
func slowBodyWithDelay(delay time.Duration) transport.Body {
	return func(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-in:
				if !ok {
					return
				}
				switch f.Type {
				case transport.KindTerminate:
					return
				case transport.KindStartTask:
					select {
					case <-time.After(delay):
						out <- transport.Frame{Type: transport.KindTaskComplete, TaskID: f.TaskID, Result: "done"}
					case <-ctx.Done():
						return
					}
				case transport.KindCancelTask:
					// Never confirmed: the worker is unresponsive.
				}
			}
		}
	}
}

func TestDispatcher_SubmitAndComplete(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "sum", Min: 1, Hub: hub}, spawnerFor(sumWorkerBody))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	d := dispatcher.New(dispatcher.Config{
		Managers:     map[string]*manager.Manager{"sum": mgr},
		PollInterval: 2 * time.Millisecond,
		Hub:          hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	future, err := dispatcher.Submit[sumInput, int](d, "sum", sumInput{A: 2, B: 3}, dispatcher.Options{}, nil)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	result, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 5, result)
}

func TestDispatcher_RetryThenFail(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "sum", Min: 1, Hub: hub}, spawnerFor(alwaysFailBody))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	d := dispatcher.New(dispatcher.Config{
		Managers:     map[string]*manager.Manager{"sum": mgr},
		PollInterval: 2 * time.Millisecond,
		Hub:          hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	id, ch, err := d.Submit("sum", sumInput{A: 1, B: 1}, dispatcher.Options{MaxRetries: 1}, nil)
	require.NoError(t, err)

	select {
	case res := <-ch:
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("task did not reach a terminal status")
	}

	status, ok := d.GetStatus(id)
	require.True(t, ok)
	assert.Equal(t, dispatcher.StatusFailed, status)
}

// crashAfterStartBody accepts a task, then panics before ever replying, so
// the only way the task can terminate is through the worker-exited path.
func crashAfterStartBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok || f.Type == transport.KindTerminate {
				return
			}
			if f.Type == transport.KindStartTask {
				panic("worker died mid-task")
			}
		}
	}
}

func TestDispatcher_WorkerCrashFailsRunningTask(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "crashy", Min: 1, Max: 1, Hub: hub}, spawnerFor(crashAfterStartBody))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	d := dispatcher.New(dispatcher.Config{
		Managers:     map[string]*manager.Manager{"crashy": mgr},
		PollInterval: 2 * time.Millisecond,
		Hub:          hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	_, ch, err := d.Submit("crashy", sumInput{}, dispatcher.Options{Timeout: 10 * time.Second}, nil)
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Err, errs.ErrWorkerCrashed,
			"a crash must surface well before the 10s task timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("crashed worker's task did not fail")
	}
}

// TestDispatcher_PriorityOrderAfterBusyWorker: with a single worker busy on
// task A, submitting B (priority 0) then C (priority 10) must run C before B
// once the worker frees up.
func TestDispatcher_PriorityOrderAfterBusyWorker(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "slow", Min: 1, Max: 1, Hub: hub}, spawnerFor(slowWorkerBody))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	d := dispatcher.New(dispatcher.Config{
		Managers:     map[string]*manager.Manager{"slow": mgr},
		PollInterval: 2 * time.Millisecond,
		Hub:          hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	idA, chA, err := d.Submit("slow", sumInput{}, dispatcher.Options{}, nil)
	require.NoError(t, err)

	// Let A claim the single worker before B and C queue up behind it.
	require.Eventually(t, func() bool {
		st, _ := d.GetStatus(idA)
		return st == dispatcher.StatusRunning
	}, time.Second, 2*time.Millisecond)

	idB, chB, err := d.Submit("slow", sumInput{}, dispatcher.Options{Priority: 0}, nil)
	require.NoError(t, err)
	idC, chC, err := d.Submit("slow", sumInput{}, dispatcher.Options{Priority: 10}, nil)
	require.NoError(t, err)

	<-chA

	// C (higher priority) must start before B even though B was submitted
	// first.
	require.Eventually(t, func() bool {
		st, _ := d.GetStatus(idC)
		return st == dispatcher.StatusRunning || st == dispatcher.StatusCompleted
	}, time.Second, 2*time.Millisecond)
	stB, _ := d.GetStatus(idB)
	assert.Equal(t, dispatcher.StatusQueued, stB, "B must still be waiting while C runs")

	<-chC
	<-chB
}

func TestDispatcher_Timeout(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "slow", Min: 1, Hub: hub}, spawnerFor(slowWorkerBody))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	d := dispatcher.New(dispatcher.Config{
		Managers:     map[string]*manager.Manager{"slow": mgr},
		PollInterval: 2 * time.Millisecond,
		Hub:          hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	_, ch, err := d.Submit("slow", sumInput{}, dispatcher.Options{Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Err, errs.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not time out")
	}
}

// TestDispatcher_TimeoutReplacesUnresponsiveWorker: a worker that ignores
// cancel-task is terminated and replaced
// once the grace window elapses, rather than being handed a second task
// while still (for all the control plane knows) running the first.
func TestDispatcher_TimeoutReplacesUnresponsiveWorker(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "slow", Min: 1, Max: 1, Hub: hub}, spawnerFor(slowBodyWithDelay(500*time.Millisecond)))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	initial := mgr.Instances()
	require.Len(t, initial, 1)
	initialID := initial[0].ID

	d := dispatcher.New(dispatcher.Config{
		Managers:          map[string]*manager.Manager{"slow": mgr},
		PollInterval:      2 * time.Millisecond,
		CancelGraceWindow: 30 * time.Millisecond,
		Hub:               hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	_, ch, err := d.Submit("slow", sumInput{}, dispatcher.Options{Timeout: 20 * time.Millisecond, MaxRetries: 1}, nil)
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Err, errs.ErrTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("task did not reach a terminal status")
	}

	require.Eventually(t, func() bool {
		instances := mgr.Instances()
		return len(instances) == 1 && instances[0].ID != initialID
	}, time.Second, 10*time.Millisecond, "worker was not replaced after the grace window")
}

func TestDispatcher_CancelQueuedTaskDoesNotAffectRunningOne(t *testing.T) {
	hub := eventhub.New()
	mgr := manager.New(manager.Options{WorkerType: "slow", Min: 1, Max: 1, Hub: hub}, spawnerFor(slowWorkerBody))
	require.NoError(t, mgr.EnsureMinWorkers(context.Background()))
	defer mgr.Shutdown(context.Background(), true)

	d := dispatcher.New(dispatcher.Config{
		Managers:     map[string]*manager.Manager{"slow": mgr},
		PollInterval: 2 * time.Millisecond,
		Hub:          hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Shutdown(true)

	_, chA, err := d.Submit("slow", sumInput{}, dispatcher.Options{}, nil)
	require.NoError(t, err)

	// Let A claim the single worker before B is submitted.
	time.Sleep(20 * time.Millisecond)

	idB, chB, err := d.Submit("slow", sumInput{}, dispatcher.Options{}, nil)
	require.NoError(t, err)
	require.True(t, d.Cancel(idB))

	select {
	case res := <-chB:
		assert.ErrorIs(t, res.Err, errs.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("B did not resolve")
	}

	select {
	case res := <-chA:
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("A did not complete")
	}

	// Cancelling an already-terminal task is a no-op.
	assert.False(t, d.Cancel(idB))
}
