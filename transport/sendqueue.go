package transport

import (
	"container/heap"
	"sync"

	"github.com/ygrebnov/fleetpool/internal/errs"
)

// prioritizedFrame is one entry on the priority send queue: higher priority
// values drain first; among equal priorities, lower seq (submission order)
// drains first, the same FIFO-within-priority rule the task queue uses.
type prioritizedFrame struct {
	frame    Frame
	priority int
	seq      uint64
}

type frameHeap []*prioritizedFrame

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{}) {
	*h = append(*h, x.(*prioritizedFrame))
}
func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// sendQueue is the bounded priority send queue backing
// Transport.PostPrioritized. One sendQueue is owned by each transport; a
// single drain goroutine calls rawSend in priority order so the underlying
// pipe/socket/channel still only ever sees one writer.
type sendQueue struct {
	mu       sync.Mutex
	h        frameHeap
	capacity int
	seq      uint64
	wake     chan struct{}
	rawSend  func(Frame) error
	closed   bool
}

func newSendQueue(capacity int, rawSend func(Frame) error) *sendQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &sendQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		rawSend:  rawSend,
	}
	heap.Init(&q.h)
	go q.drain()
	return q
}

// enqueue adds a frame to the queue, failing with ErrSendQueueFull on
// overflow and ErrTerminatedWorker once the queue has been stopped.
func (q *sendQueue) enqueue(f Frame, priority int) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errs.ErrTerminatedWorker
	}
	if len(q.h) >= q.capacity {
		q.mu.Unlock()
		return errs.ErrSendQueueFull
	}
	q.seq++
	heap.Push(&q.h, &prioritizedFrame{frame: f, priority: priority, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *sendQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed && len(q.h) == 0 {
			q.mu.Unlock()
			return
		}
		if len(q.h) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		item := heap.Pop(&q.h).(*prioritizedFrame)
		q.mu.Unlock()

		_ = q.rawSend(item.frame)
	}
}

// stop prevents further enqueues and lets the drain goroutine exit once the
// backlog is flushed.
func (q *sendQueue) stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
