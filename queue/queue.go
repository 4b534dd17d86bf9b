// Package queue holds tasks awaiting assignment for one worker type:
// priority-ordered, FIFO within a priority class.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/ygrebnov/fleetpool/internal/errs"
)

// Item is anything that can sit in a Queue: it must expose a stable ID, a
// priority (higher first) and a submission timestamp (earlier first within
// the same priority).
type Item interface {
	QueueID() string
	QueuePriority() int
	QueueSubmittedAt() time.Time
}

// DefaultMaxSize bounds a Queue when no explicit capacity is given.
const DefaultMaxSize = 100

type entry[T Item] struct {
	item T
	seq  uint64 // tie-breaker so heap ordering is stable even with equal timestamps
}

type itemHeap[T Item] []*entry[T]

func (h itemHeap[T]) Len() int { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool {
	pi, pj := h[i].item.QueuePriority(), h[j].item.QueuePriority()
	if pi != pj {
		return pi > pj
	}
	ti, tj := h[i].item.QueueSubmittedAt(), h[j].item.QueueSubmittedAt()
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[T]) Push(x interface{}) {
	*h = append(*h, x.(*entry[T]))
}
func (h *itemHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a priority-ordered, FIFO-within-priority queue of pending tasks
// for one worker type, bounded by MaxSize (default 100).
type Queue[T Item] struct {
	mu      sync.Mutex
	h       itemHeap[T]
	byID    map[string]*entry[T]
	seq     uint64
	MaxSize int
}

// New constructs an empty Queue with the given max size (0 selects
// DefaultMaxSize).
func New[T Item](maxSize int) *Queue[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &Queue[T]{
		byID:    make(map[string]*entry[T]),
		MaxSize: maxSize,
	}
	heap.Init(&q.h)
	return q
}

// Enqueue adds item to the queue, failing with ErrQueueFull once MaxSize is
// reached.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) >= q.MaxSize {
		return fmt.Errorf("%w: max size %d", errs.ErrQueueFull, q.MaxSize)
	}

	q.seq++
	e := &entry[T]{item: item, seq: q.seq}
	heap.Push(&q.h, e)
	q.byID[item.QueueID()] = e
	return nil
}

// Dequeue removes and returns the highest-priority, oldest-submitted item.
// ok is false if the queue is empty.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return item, false
	}
	e := heap.Pop(&q.h).(*entry[T])
	delete(q.byID, e.item.QueueID())
	return e.item, true
}

// Remove removes the item with the given ID, if queued. Returns false if no
// such item was present (e.g. it already started running).
func (q *Queue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return false
	}
	for i, he := range q.h {
		if he == e {
			heap.Remove(&q.h, i)
			break
		}
	}
	delete(q.byID, id)
	return true
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Snapshot returns a priority-ordered copy of the queue's current contents
// without mutating it.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make(itemHeap[T], len(q.h))
	copy(cp, q.h)
	heap.Init(&cp)

	out := make([]T, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*entry[T]).item)
	}
	return out
}
