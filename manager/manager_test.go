package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/transport"
)

func echoBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok || f.Type == transport.KindTerminate {
				return
			}
		}
	}
}

func crashingBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
	panic("simulated worker crash")
}

func spawnerFor(body transport.Body) manager.SpawnFunc {
	return func(ctx context.Context) (transport.Transport, error) {
		return transport.NewInProcess(body), nil
	}
}

func TestManager_CreateWorkerAndAcquireIdle(t *testing.T) {
	m := manager.New(manager.Options{WorkerType: "calc", Max: 2}, spawnerFor(echoBody))
	defer m.Shutdown(context.Background(), true)

	inst, err := m.CreateWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manager.StatusIdle, inst.Status())

	acquired := m.AcquireIdle()
	require.NotNil(t, acquired)
	assert.Equal(t, inst.ID, acquired.ID)
	assert.Equal(t, manager.StatusBusy, acquired.Status())

	assert.Nil(t, m.AcquireIdle(), "no idle worker remains")
}

func TestManager_MaxWorkersExceeded(t *testing.T) {
	m := manager.New(manager.Options{WorkerType: "calc", Max: 1}, spawnerFor(echoBody))
	defer m.Shutdown(context.Background(), true)

	_, err := m.CreateWorker(context.Background())
	require.NoError(t, err)

	_, err = m.CreateWorker(context.Background())
	assert.ErrorIs(t, err, errs.ErrMaxWorkersExceeded)
}

func TestManager_EnsureMinWorkers(t *testing.T) {
	m := manager.New(manager.Options{WorkerType: "calc", Min: 2}, spawnerFor(echoBody))
	defer m.Shutdown(context.Background(), true)

	require.NoError(t, m.EnsureMinWorkers(context.Background()))
	assert.Equal(t, 2, m.Count())

	// Idempotent: calling again must not create more workers.
	require.NoError(t, m.EnsureMinWorkers(context.Background()))
	assert.Equal(t, 2, m.Count())
}

func TestManager_IdleWorkerIsReapedAboveMin(t *testing.T) {
	m := manager.New(manager.Options{
		WorkerType:  "calc",
		Min:         0,
		IdleTimeout: 15 * time.Millisecond,
	}, spawnerFor(echoBody))
	defer m.Shutdown(context.Background(), true)

	_, err := m.CreateWorker(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	assert.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 5*time.Millisecond, "idle worker above Min should be reaped")
}

func TestManager_AutoRestartOnCrash(t *testing.T) {
	hub := eventhub.New()
	var gotError manager.WorkerError
	eventhub.Subscribe(hub, manager.TopicWorkerError, func(e manager.WorkerError) {
		gotError = e
	})

	m := manager.New(manager.Options{
		WorkerType:  "calc",
		Min:         1,
		AutoRestart: true,
		Hub:         hub,
	}, spawnerFor(crashingBody))
	defer m.Shutdown(context.Background(), true)

	require.NoError(t, m.EnsureMinWorkers(context.Background()))

	assert.Eventually(t, func() bool {
		return gotError.WorkerID != ""
	}, time.Second, 5*time.Millisecond, "crash should publish a WorkerError event")
	assert.Equal(t, "calc", gotError.WorkerType)

	assert.Eventually(t, func() bool {
		return m.Count() == 1
	}, time.Second, 5*time.Millisecond, "auto-restart should replace the crashed worker")
}

func TestManager_ShutdownRejectsFurtherCreation(t *testing.T) {
	m := manager.New(manager.Options{WorkerType: "calc", Min: 2}, spawnerFor(echoBody))
	require.NoError(t, m.EnsureMinWorkers(context.Background()))

	m.Shutdown(context.Background(), false)
	assert.Equal(t, 0, m.Count())

	_, err := m.CreateWorker(context.Background())
	assert.ErrorIs(t, err, errs.ErrShutdownInProgress)
}
