// Package registry maps a worker-type tag to a resource locator describing
// how to start a worker of that type. A Registry is an explicit collaborator
// owned by each Pool, not a package-level singleton, so tests can construct
// independent pools.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/transport"
)

// Locator describes how to construct a worker of one type, across any
// transport kind.
type Locator struct {
	// WorkerType is the stable tag this locator answers for.
	WorkerType string

	// Transport selects which execution context to use. If empty,
	// transport.DetectDefault() is used.
	Transport transport.Context

	// Body is used when Transport resolves to in-process.
	Body transport.Body

	// Path/Args are used when Transport resolves to subprocess.
	Path string
	Args []string

	// URL is used when Transport resolves to websocket.
	URL string
}

func (l Locator) resolvedTransport() transport.Context {
	if l.Transport == "" {
		return transport.DetectDefault()
	}
	return l.Transport
}

// Registry maps worker types to locators. The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	builtIn map[string]Locator
	custom  map[string]Locator
}

// New constructs an empty Registry with the given built-in worker types
// pre-registered. Built-ins can never be overwritten by registerCustom.
func New(builtIns ...Locator) *Registry {
	r := &Registry{
		builtIn: make(map[string]Locator, len(builtIns)),
		custom:  make(map[string]Locator),
	}
	for _, l := range builtIns {
		r.builtIn[l.WorkerType] = l
	}
	return r
}

// Get returns the locator for type, failing with ErrUnknownWorkerType if
// absent from both the built-in and custom maps.
func (r *Registry) Get(workerType string) (Locator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if l, ok := r.builtIn[workerType]; ok {
		return l, nil
	}
	if l, ok := r.custom[workerType]; ok {
		return l, nil
	}
	return Locator{}, fmt.Errorf("%w: %q", errs.ErrUnknownWorkerType, workerType)
}

// RegisterCustom adds a custom worker type, failing with
// ErrDuplicateWorkerType if name is already a built-in or custom type.
func (r *Registry) RegisterCustom(name string, locator Locator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.builtIn[name]; ok {
		return fmt.Errorf("%w: %q", errs.ErrDuplicateWorkerType, name)
	}
	if _, ok := r.custom[name]; ok {
		return fmt.Errorf("%w: %q", errs.ErrDuplicateWorkerType, name)
	}
	locator.WorkerType = name
	r.custom[name] = locator
	return nil
}

// ListBuiltIn returns the names of all built-in worker types.
func (r *Registry) ListBuiltIn() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtIn))
	for k := range r.builtIn {
		out = append(out, k)
	}
	return out
}

// ListCustom returns the names of all registered custom worker types.
func (r *Registry) ListCustom() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.custom))
	for k := range r.custom {
		out = append(out, k)
	}
	return out
}

// Spawn constructs a fresh Transport for the given locator, dispatching to
// the transport implementation its resolved Context names.
func Spawn(ctx context.Context, l Locator) (transport.Transport, error) {
	switch l.resolvedTransport() {
	case transport.ContextInProcess:
		if l.Body == nil {
			return nil, fmt.Errorf("registry: worker type %q selects in-process transport but has no Body", l.WorkerType)
		}
		return transport.NewInProcess(l.Body), nil
	case transport.ContextSubprocess:
		if l.Path == "" {
			return nil, fmt.Errorf("registry: worker type %q selects subprocess transport but has no Path", l.WorkerType)
		}
		return transport.NewSubprocess(ctx, l.Path, l.Args...)
	case transport.ContextWebSocket:
		if l.URL == "" {
			return nil, fmt.Errorf("registry: worker type %q selects websocket transport but has no URL", l.WorkerType)
		}
		return transport.DialWebSocket(ctx, l.URL)
	default:
		return nil, transport.ErrUnsupportedContext
	}
}
