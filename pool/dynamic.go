package pool

import "sync"

// NewDynamic is a dynamic-size pool of reusable objects. It is a wrapper
// around sync.Pool, so idle objects may be reclaimed by the GC.
func NewDynamic(newFn func() interface{}) Pool {
	return &sync.Pool{New: newFn}
}
