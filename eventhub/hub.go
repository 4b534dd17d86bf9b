// Package eventhub is a shared typed event bus between the Dispatcher, the
// Manager(s) and the Monitor, so those components never hold direct
// back-references to each other.
package eventhub

import "sync"

// Subscription cancels a subscription when called. Calling it more than
// once is a no-op.
type Subscription func()

// Hub is a topic-keyed, fan-out publish/subscribe bus. The zero value is
// ready to use. Handlers run synchronously on the publisher's goroutine, so
// Publish returns only after every handler has returned; a panic inside a
// handler is recovered and never reaches the publisher.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(interface{})

	// OnHandlerPanic is called (if non-nil) when a subscriber panics, so
	// callers can route it to their logger instead of the isolated panic
	// being silently swallowed.
	OnHandlerPanic func(topic string, recovered interface{})
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[uint64]func(interface{}))}
}

// subscribe registers fn for topic and returns a Subscription to cancel it.
func (h *Hub) subscribe(topic string, fn func(interface{})) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[string]map[uint64]func(interface{}))
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]func(interface{}))
	}
	h.nextID++
	id := h.nextID
	h.subs[topic][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[topic], id)
		})
	}
}

// publish invokes every current subscriber of topic with event, isolating
// panics.
func (h *Hub) publish(topic string, event interface{}) {
	h.mu.RLock()
	handlers := make([]func(interface{}), 0, len(h.subs[topic]))
	for _, fn := range h.subs[topic] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		h.invoke(topic, fn, event)
	}
}

func (h *Hub) invoke(topic string, fn func(interface{}), event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if h.OnHandlerPanic != nil {
				h.OnHandlerPanic(topic, r)
			}
		}
	}()
	fn(event)
}

// Subscribe registers a typed handler for topic. T must match the type
// published via Publish[T] for that topic; mismatched events are skipped
// rather than panicking, so one hub can safely carry unrelated topics.
func Subscribe[T any](h *Hub, topic string, fn func(T)) Subscription {
	return h.subscribe(topic, func(v interface{}) {
		if typed, ok := v.(T); ok {
			fn(typed)
		}
	})
}

// Publish publishes event to every current subscriber of topic.
func Publish[T any](h *Hub, topic string, event T) {
	h.publish(topic, event)
}
