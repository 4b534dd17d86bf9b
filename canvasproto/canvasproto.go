// Package canvasproto implements the OffscreenCanvas control protocol:
// command/response/event routing over a single worker bound to one canvas,
// plus the main-thread fallback path used when the underlying transport
// cannot transfer ownership off-thread. It is a protocol layer only; no
// 2D/GL rendering happens here.
package canvasproto

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ygrebnov/fleetpool/idgen"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/transport"
)

// CommandKind identifies a canvas command.
type CommandKind string

const (
	CmdInit    CommandKind = "INIT"
	CmdResize  CommandKind = "RESIZE"
	CmdClear   CommandKind = "CLEAR"
	CmdRender  CommandKind = "RENDER"
	CmdDispose CommandKind = "DISPOSE"
)

// Command is one request to the canvas worker. ID is assigned by SendCommand
// if the caller leaves it empty. Kind may be any application-specific string
// beyond the built-in CmdXxx constants; the protocol routes them opaquely.
type Command struct {
	ID     string
	Kind   CommandKind
	Params map[string]interface{}

	// Width/Height/DPR are carried for INIT/RESIZE; zero otherwise.
	Width, Height int
	DPR           float64

	// ContextType and Attrs are carried for INIT only (e.g. "2d", "webgl2").
	ContextType string
	Attrs       map[string]interface{}
}

// Response is the worker's reply to one Command, correlated by ID.
type Response struct {
	ID      string
	Success bool
	Data    interface{}
	Err     error
}

// Event is an unsolicited message from the canvas worker (e.g. "ready", a
// render-completion notice, or a metrics sample).
type Event struct {
	Kind string
	Data interface{}
}

// FallbackFunc executes a Command synchronously, used when the transport
// reports no off-main-thread canvas support (transport.Transport.
// SupportsTransfer() == false). It must return the same Response shape a
// real worker would.
type FallbackFunc func(Command) (Response, error)

// Manager owns the command/response/event protocol for exactly one canvas
// bound to one worker instance. It never renders; it only routes.
type Manager struct {
	inst     *manager.Instance
	logger   logging.Logger
	fallback FallbackFunc

	mu      sync.Mutex
	pending map[string]chan Response
	events  []func(Event)
	closed  bool
}

// New constructs a canvas protocol Manager bound to inst. If fallback is
// non-nil, SendCommand executes synchronously against it instead of posting
// to inst whenever inst.Transport.SupportsTransfer() is false.
func New(inst *manager.Instance, logger logging.Logger, fallback FallbackFunc) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		inst:     inst,
		logger:   logger,
		fallback: fallback,
		pending:  make(map[string]chan Response),
	}
}

// OnEvent registers fn to receive every unsolicited Event the worker emits.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, fn)
}

// SendCommand sends cmd and blocks until the matching Response arrives or
// ctx is done. transferables is accepted for callers that track
// ownership-transferring buffers, but is a no-op here: transport.Transport
// has no concept of a transfer distinct from an ordinary Post.
func (m *Manager) SendCommand(ctx context.Context, cmd Command, transferables ...interface{}) (Response, error) {
	_ = transferables
	if cmd.ID == "" {
		cmd.ID = idgen.StreamID()
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Response{}, errs.ErrTerminatedWorker
	}

	if m.fallback != nil && !m.inst.Transport.SupportsTransfer() {
		return m.fallback(cmd)
	}

	ch := make(chan Response, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Response{}, errs.ErrTerminatedWorker
	}
	m.pending[cmd.ID] = ch
	m.mu.Unlock()

	frame := transport.Frame{
		Type: transport.Kind(cmd.Kind),
		Data: map[string]interface{}{
			"id":          cmd.ID,
			"params":      cmd.Params,
			"width":       cmd.Width,
			"height":      cmd.Height,
			"dpr":         cmd.DPR,
			"contextType": cmd.ContextType,
			"attrs":       cmd.Attrs,
		},
	}
	if err := m.inst.Transport.Post(frame); err != nil {
		m.mu.Lock()
		delete(m.pending, cmd.ID)
		m.mu.Unlock()
		return Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, cmd.ID)
		m.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// HandleInbound applies one inbound frame from the canvas worker: a reply to
// a pending command, or an unsolicited event. Intended to be called from
// whatever goroutine owns reading inst.Transport.Messages() for this
// instance, per the single-owner-per-transport rule documented in the
// manager package.
func (m *Manager) HandleInbound(f transport.Frame) {
	id, _ := f.Data.(map[string]interface{})
	var cmdID string
	if id != nil {
		if v, ok := id["id"].(string); ok {
			cmdID = v
		}
	}
	if cmdID == "" && f.TaskID != "" {
		cmdID = f.TaskID
	}

	m.mu.Lock()
	ch, ok := m.pending[cmdID]
	if ok {
		delete(m.pending, cmdID)
	}
	handlers := append([]func(Event){}, m.events...)
	m.mu.Unlock()

	if ok {
		var err error
		if f.Error != "" {
			err = fmt.Errorf("%s", f.Error)
		}
		ch <- Response{ID: cmdID, Success: err == nil, Data: f.Result, Err: err}
		return
	}

	ev := Event{Kind: string(f.Type), Data: f.Data}
	for _, fn := range handlers {
		m.safeDeliver(fn, ev)
	}
}

func (m *Manager) safeDeliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("canvasproto event handler panicked", zap.Any("recovered", r))
		}
	}()
	fn(ev)
}

// Resize is a convenience wrapper sending a RESIZE command.
func (m *Manager) Resize(ctx context.Context, width, height int, dpr float64) (Response, error) {
	return m.SendCommand(ctx, Command{Kind: CmdResize, Width: width, Height: height, DPR: dpr})
}

// Dispose sends a DISPOSE command and marks this Manager closed: further
// SendCommand calls fail with ErrTerminatedWorker.
func (m *Manager) Dispose(ctx context.Context) (Response, error) {
	resp, err := m.SendCommand(ctx, Command{Kind: CmdDispose})
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return resp, err
}
