// Package transport defines the uniform capability set a worker execution
// context must expose to the control plane, and ships three implementations
// so the same Manager/Dispatcher code runs unchanged whether a worker is an
// in-process goroutine, a child OS process, or a remote WebSocket-connected
// process.
package transport

import (
	"context"
	"errors"
)

// Context tags which kind of execution context a worker runs over, so
// stats and log entries can report it.
type Context string

const (
	ContextInProcess  Context = "in-process"
	ContextSubprocess Context = "subprocess"
	ContextWebSocket  Context = "websocket"
)

// Transport is the control plane's handle to one worker execution context.
// Exactly one of Exit() firing and Errors() firing-then-Exit() happens per
// worker.
type Transport interface {
	// Context reports which execution context this transport represents.
	Context() Context

	// SupportsTransfer reports whether this transport can hand off ownership
	// of transferable buffers without copying (true for InProcess; false for
	// Subprocess/WebSocket, which must serialize). Consulted by canvasproto's
	// fallback path.
	SupportsTransfer() bool

	// Post sends a frame, fire-and-forget. Returns ErrTerminatedWorker if the
	// transport has already terminated.
	Post(f Frame) error

	// PostPrioritized enqueues a frame on the bounded internal priority send
	// queue; higher priority values drain first, FIFO within a priority.
	// Returns ErrSendQueueFull on overflow.
	PostPrioritized(f Frame, priority int) error

	// Messages delivers inbound frames from the worker, in emission order.
	Messages() <-chan Frame

	// Errors delivers transport-level errors (e.g. a worker panic, a broken
	// pipe, a malformed frame).
	Errors() <-chan error

	// Exit delivers exactly one exit code when the worker's execution
	// context has terminated.
	Exit() <-chan int

	// Terminate stops the worker. If force is false, it posts a graceful
	// terminate frame and waits (bounded by ctx) for Exit; if force is true,
	// it kills the execution context immediately. After Terminate returns,
	// Post/PostPrioritized always fail with ErrTerminatedWorker.
	Terminate(ctx context.Context, force bool) error
}

// ErrUnsupportedContext is returned by registry.Spawn for a locator whose
// Context names no known transport.
var ErrUnsupportedContext = errors.New("transport: unsupported execution context")
