package fleetpool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool"
	"github.com/ygrebnov/fleetpool/registry"
	"github.com/ygrebnov/fleetpool/transport"
)

func echoBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			if f.Type == transport.KindStartTask {
				out <- transport.Frame{Type: transport.KindTaskComplete, TaskID: f.TaskID, Result: f.Data}
			}
		}
	}
}

func TestNewWithOptions_NoWorkerType_ReturnsError(t *testing.T) {
	t.Parallel()

	p, err := fleetpool.NewWithOptions(context.Background())
	require.Error(t, err)
	require.Nil(t, p)
}

func TestNewWithOptions_ValidOptions_Succeeds(t *testing.T) {
	t.Parallel()

	loc := registry.Locator{Transport: transport.ContextInProcess, Body: echoBody}
	p, err := fleetpool.NewWithOptions(
		context.Background(),
		fleetpool.WithWorkerType("echo", loc, 1, 2),
		fleetpool.WithAutoRestart(),
	)
	require.NoError(t, err)
	require.NotNil(t, p)
	defer p.Shutdown(context.Background(), true)
}
