// Package errs centralizes the sentinel error values shared by every
// fleetpool component, so callers can use errors.Is against one set of
// values regardless of which package raised them.
package errs

import "errors"

const Namespace = "fleetpool"

var (
	// ErrUnknownWorkerType is returned when a worker type has no registered locator.
	ErrUnknownWorkerType = errors.New(Namespace + ": unknown worker type")

	// ErrDuplicateWorkerType is returned when registering a name already taken
	// by a built-in or previously registered custom worker type.
	ErrDuplicateWorkerType = errors.New(Namespace + ": duplicate worker type")

	// ErrMaxWorkersExceeded is returned when a Manager is asked to create a
	// worker above its configured maximum.
	ErrMaxWorkersExceeded = errors.New(Namespace + ": max workers exceeded")

	// ErrTerminatedWorker is returned by any send on an adapter that has
	// already terminated.
	ErrTerminatedWorker = errors.New(Namespace + ": worker terminated")

	// ErrSendQueueFull is returned when an adapter's bounded priority send
	// queue overflows.
	ErrSendQueueFull = errors.New(Namespace + ": send queue full")

	// ErrQueueFull is returned when a task queue is at max-queue-size.
	ErrQueueFull = errors.New(Namespace + ": task queue full")

	// ErrCancelled marks a task that terminated via cancellation.
	ErrCancelled = errors.New(Namespace + ": task cancelled")

	// ErrTimeout marks a task that terminated because its timeout elapsed.
	ErrTimeout = errors.New(Namespace + ": task timed out")

	// ErrWorkerCrashed marks a task that failed because its assigned worker
	// crashed (uncaught panic, non-zero exit, closed transport) mid-task.
	ErrWorkerCrashed = errors.New(Namespace + ": worker crashed")

	// ErrStreamNotActive is returned by Stream.Send when strict mode is
	// enabled and the stream is not in the active state.
	ErrStreamNotActive = errors.New(Namespace + ": stream not active")

	// ErrStreamTimeout marks a stream that closed due to inactivity.
	ErrStreamTimeout = errors.New(Namespace + ": stream inactivity timeout")

	// ErrShutdownInProgress is returned by operations rejected because the
	// pool is shutting down.
	ErrShutdownInProgress = errors.New(Namespace + ": shutdown in progress")

	// ErrTaskPanicked marks a task whose body recovered from a panic.
	ErrTaskPanicked = errors.New(Namespace + ": task execution panicked")

	// ErrInvalidConfig is returned by option/config validation.
	ErrInvalidConfig = errors.New(Namespace + ": invalid configuration")
)
