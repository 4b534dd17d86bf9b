package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/queue"
)

type fakeItem struct {
	id       string
	priority int
	at       time.Time
}

func (f fakeItem) QueueID() string             { return f.id }
func (f fakeItem) QueuePriority() int          { return f.priority }
func (f fakeItem) QueueSubmittedAt() time.Time { return f.at }

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := queue.New[fakeItem](0)
	base := time.Now()

	require.NoError(t, q.Enqueue(fakeItem{id: "a", priority: 0, at: base}))
	require.NoError(t, q.Enqueue(fakeItem{id: "b", priority: 0, at: base.Add(time.Millisecond)}))
	require.NoError(t, q.Enqueue(fakeItem{id: "c", priority: 10, at: base.Add(2 * time.Millisecond)}))

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "c", first.id, "higher priority dequeues first")

	second, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", second.id, "equal priority dequeues FIFO")

	third, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", third.id)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_RemoveAndSize(t *testing.T) {
	q := queue.New[fakeItem](0)
	require.NoError(t, q.Enqueue(fakeItem{id: "a", priority: 0, at: time.Now()}))
	require.NoError(t, q.Enqueue(fakeItem{id: "b", priority: 0, at: time.Now()}))

	assert.Equal(t, 2, q.Size())
	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"), "removing twice is a no-op")
	assert.Equal(t, 1, q.Size())
}

func TestQueue_Overflow(t *testing.T) {
	q := queue.New[fakeItem](1)
	require.NoError(t, q.Enqueue(fakeItem{id: "a", at: time.Now()}))
	err := q.Enqueue(fakeItem{id: "b", at: time.Now()})
	assert.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestQueue_Snapshot(t *testing.T) {
	q := queue.New[fakeItem](0)
	base := time.Now()
	require.NoError(t, q.Enqueue(fakeItem{id: "a", priority: 1, at: base}))
	require.NoError(t, q.Enqueue(fakeItem{id: "b", priority: 5, at: base}))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].id)
	assert.Equal(t, 2, q.Size(), "snapshot does not mutate the queue")
}
