// Package idgen generates worker, task and stream identifiers. IDs are
// UUIDv7 (time-ordered) when available, falling back to UUIDv4 on platforms
// where the clock sequence cannot be read, via github.com/google/uuid.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// counter disambiguates IDs generated within the same clock tick without
// requiring a real monotonic clock source.
var counter uint64

// WorkerID generates a new unique worker identifier, prefixed by type so log
// lines and stack traces read legibly (e.g. "calc-01933b6a...-7").
func WorkerID(workerType string) string {
	return newID(workerType)
}

// TaskID generates a new unique task identifier.
func TaskID(taskType string) string {
	return newID(taskType)
}

// StreamID generates a new unique stream identifier.
func StreamID() string {
	return newID("stream")
}

func newID(prefix string) string {
	n := atomic.AddUint64(&counter, 1)

	id, err := uuid.NewV7()
	if err != nil {
		// Clock-sequence read failed (e.g. sandboxed environment); V4 still
		// gives global uniqueness, just without time-ordering.
		id = uuid.New()
	}
	if prefix == "" {
		return fmt.Sprintf("%s-%d", id.String(), n)
	}
	return fmt.Sprintf("%s-%s-%d", prefix, id.String(), n)
}

// NormalizeError converts an arbitrary recovered panic value or wrapped
// error into a plain error, for marshaling a worker-side failure back
// across the message channel.
func NormalizeError(v interface{}) error {
	switch e := v.(type) {
	case nil:
		return nil
	case error:
		return e
	case string:
		return fmt.Errorf("%s", e)
	default:
		return fmt.Errorf("%v", e)
	}
}
