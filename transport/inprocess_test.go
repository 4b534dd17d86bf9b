package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/transport"
)

func echoBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	out <- transport.Frame{Type: transport.KindWorkerReady}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			switch f.Type {
			case transport.KindStartTask:
				out <- transport.Frame{Type: transport.KindTaskComplete, TaskID: f.TaskID, Result: f.Data}
			case transport.KindTerminate:
				return
			}
		}
	}
}

func TestInProcess_StartTaskEchoesResult(t *testing.T) {
	tr := transport.NewInProcess(echoBody)
	defer func() { _ = tr.Terminate(context.Background(), true) }()

	ready := <-tr.Messages()
	require.Equal(t, transport.KindWorkerReady, ready.Type)

	require.NoError(t, tr.Post(transport.Frame{Type: transport.KindStartTask, TaskID: "t1", Data: "hi"}))

	select {
	case f := <-tr.Messages():
		assert.Equal(t, transport.KindTaskComplete, f.Type)
		assert.Equal(t, "t1", f.TaskID)
		assert.Equal(t, "hi", f.Result)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task-completed")
	}
}

func TestStartTask_ResolvesOnMatchingCompletion(t *testing.T) {
	tr := transport.NewInProcess(echoBody)
	defer func() { _ = tr.Terminate(context.Background(), true) }()

	<-tr.Messages() // worker-ready

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := transport.StartTask(ctx, tr, "t42", "payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", result)
}

func TestInProcess_TerminateRefusesFurtherSend(t *testing.T) {
	tr := transport.NewInProcess(echoBody)
	<-tr.Messages() // worker-ready

	require.NoError(t, tr.Terminate(context.Background(), false))

	err := tr.Post(transport.Frame{Type: transport.KindPing})
	assert.ErrorIs(t, err, errs.ErrTerminatedWorker)
}
