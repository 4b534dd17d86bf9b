package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/monitor"
	"github.com/ygrebnov/fleetpool/transport"
)

func idleBody(ctx context.Context, in <-chan transport.Frame, out chan<- transport.Frame) {
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

func TestMonitor_SampleReportsLiveCounts(t *testing.T) {
	m := manager.New(manager.Options{WorkerType: "calc", Max: 2}, func(ctx context.Context) (transport.Transport, error) {
		return transport.NewInProcess(idleBody), nil
	})
	defer m.Shutdown(context.Background(), true)

	_, err := m.CreateWorker(context.Background())
	require.NoError(t, err)
	busy, err := m.CreateWorker(context.Background())
	require.NoError(t, err)
	m.SetStatus(busy.ID, manager.StatusBusy)
	busy.IncrementActive()

	src := monitor.NewSource("calc", m, nil)
	src.AddCompleted()
	src.AddCompleted()
	src.AddFailed()

	mon := monitor.New(monitor.Config{})
	mon.AddSource(src)

	stats := mon.Sample(src)
	assert.Equal(t, "calc", stats.WorkerType)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Busy)
	assert.Equal(t, 1, stats.RunningTasks)
	assert.Equal(t, uint64(2), stats.Completed)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(3), stats.TotalProcessed)
}

func TestMonitor_LogRingIsBoundedFIFO(t *testing.T) {
	mon := monitor.New(monitor.Config{MaxLogEntries: 2})
	mon.Log(monitor.LevelInfo, "first", "calc", "", "", nil)
	mon.Log(monitor.LevelInfo, "second", "calc", "", "", nil)
	mon.Log(monitor.LevelInfo, "third", "calc", "", "", nil)

	entries := mon.Logs()
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
}

func TestMonitor_SuspectedHangPublishesNeedsRestart(t *testing.T) {
	m := manager.New(manager.Options{WorkerType: "calc", Max: 1}, func(ctx context.Context) (transport.Transport, error) {
		return transport.NewInProcess(idleBody), nil
	})
	defer m.Shutdown(context.Background(), true)

	inst, err := m.CreateWorker(context.Background())
	require.NoError(t, err)
	m.SetStatus(inst.ID, manager.StatusBusy)

	hub := eventhub.New()
	var restart manager.NeedsRestart
	eventhub.Subscribe(hub, monitor.TopicNeedsRestart, func(r manager.NeedsRestart) {
		restart = r
	})

	mon := monitor.New(monitor.Config{
		HealthCheckInterval: 5 * time.Millisecond,
		SuspectedHangAfter:  10 * time.Millisecond,
		Hub:                 hub,
	})
	mon.AddSource(monitor.NewSource("calc", m, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mon.Start(ctx)
	defer mon.Stop()

	assert.Eventually(t, func() bool {
		return restart.WorkerID != ""
	}, time.Second, 5*time.Millisecond, "a busy worker past SuspectedHangAfter should trigger a restart signal")
	assert.Equal(t, manager.StatusError, inst.Status())
}
