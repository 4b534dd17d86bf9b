// Package pool is a small generic object-pool abstraction, originally built
// to recycle task-executor workers and repurposed here to recycle the
// reusable buffers transport implementations use to encode/decode frames
// (see transport.Subprocess and transport.WebSocket), avoiding an allocation
// per frame on hot channels.
package pool

// Pool is an interface that defines methods on a pool of reusable objects.
type Pool interface {
	// Get returns an object from the pool, allocating a new one if empty.
	Get() interface{}

	// Put returns an object back to the pool for reuse.
	Put(interface{})
}
