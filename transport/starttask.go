package transport

import (
	"context"
	"fmt"

	"github.com/ygrebnov/fleetpool/internal/errs"
)

// Ping posts a ping frame and waits for the worker's pong, subject to ctx.
// The same sole-reader caveat as StartTask applies.
func Ping(ctx context.Context, tr Transport) error {
	if err := tr.Post(Frame{Type: KindPing}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-tr.Messages():
			if !ok {
				return errs.ErrWorkerCrashed
			}
			if f.Type == KindPong {
				return nil
			}
		}
	}
}

// StartTask posts a start-task frame carrying taskID and data, then blocks
// until the matching task-completed or task-failed frame arrives on tr's
// Messages channel, or ctx is done. Frames for other task IDs received while
// waiting are discarded.
//
// It is a convenience for driving a bare Transport directly, e.g. in a
// worker script's own tests. Inside a pool the Dispatcher is the sole reader
// of a transport's Messages channel; do not mix StartTask with a transport
// that is already managed.
func StartTask(ctx context.Context, tr Transport, taskID string, data interface{}) (interface{}, error) {
	if err := tr.Post(Frame{Type: KindStartTask, TaskID: taskID, Data: data}); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-tr.Messages():
			if !ok {
				return nil, errs.ErrWorkerCrashed
			}
			switch {
			case f.Type == KindTaskComplete && f.TaskID == taskID:
				return f.Result, nil
			case f.Type == KindTaskFailed && f.TaskID == taskID:
				return nil, fmt.Errorf("transport: task failed: %s", f.Error)
			}
		}
	}
}
