package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/internal/errs"
)

// TestSendQueue_DrainsByPriorityThenFIFO exercises the back-pressure queue
// directly (white-box, since sendQueue is unexported): priority
// descending, then submission order within a priority band.
func TestSendQueue_DrainsByPriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})

	rawSend := func(f Frame) error {
		<-gate
		mu.Lock()
		order = append(order, f.Progress.(int))
		mu.Unlock()
		return nil
	}

	q := newSendQueue(10, rawSend)
	defer q.stop()

	// This one is popped and blocks inside rawSend on gate before the rest
	// are enqueued, fixing it as the first entry in order.
	require.NoError(t, q.enqueue(Frame{Progress: 0}, 0))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.enqueue(Frame{Progress: 1}, 5))
	require.NoError(t, q.enqueue(Frame{Progress: 2}, 10))
	require.NoError(t, q.enqueue(Frame{Progress: 3}, 5))
	time.Sleep(20 * time.Millisecond)

	close(gate)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 2, 1, 3}, order)
}

func TestSendQueue_EnqueueFailsOnceStopped(t *testing.T) {
	q := newSendQueue(4, func(Frame) error { return nil })
	q.stop()
	err := q.enqueue(Frame{}, 0)
	assert.ErrorIs(t, err, errs.ErrTerminatedWorker)
}

func TestSendQueue_OverflowFailsWithSendQueueFull(t *testing.T) {
	gate := make(chan struct{}) // never closed: keeps the drain goroutine stuck
	q := newSendQueue(2, func(Frame) error {
		<-gate
		return nil
	})
	defer q.stop()

	// The first enqueue is immediately popped by the drain goroutine and
	// blocks there, so the queue itself holds at most `capacity` after that.
	require.NoError(t, q.enqueue(Frame{}, 0))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.enqueue(Frame{}, 0))
	require.NoError(t, q.enqueue(Frame{}, 0))

	err := q.enqueue(Frame{}, 0)
	assert.ErrorIs(t, err, errs.ErrSendQueueFull)
}
