package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/transport"
)

// Manager owns every Stream for a pool and routes inbound stream-kind
// frames to the right one by stream-id.
// It never reads a Transport's Messages() channel itself: per the
// single-owner-per-transport rule documented in the manager package, each
// instance's frames are read by exactly one goroutine (the Dispatcher's, or
// whatever else is wired as the transport's sole reader) and handed to
// RouteInbound, satisfying dispatcher.StreamRouter.
type Manager struct {
	hub    *eventhub.Hub
	logger logging.Logger

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
}

// NewManager constructs a Stream Manager. hub/logger may be nil, in which
// case an internal Hub and a no-op Logger are used.
func NewManager(hub *eventhub.Hub, logger logging.Logger) *Manager {
	if hub == nil {
		hub = eventhub.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{hub: hub, logger: logger, streams: make(map[string]*Stream)}
}

// Create opens a new Stream bound to inst for its lifetime, sends the
// initial STREAM_INIT frame, and starts tracking it for inbound routing.
func (m *Manager) Create(inst *manager.Instance, opts Options) (*Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.ErrShutdownInProgress
	}
	m.mu.Unlock()

	s := newStream(inst, opts, m.hub, m.logger)
	if err := s.start(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.streams[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the tracked stream with the given ID, if present.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// RouteInbound dispatches an inbound stream-kind frame to the stream it
// names. Frames for unknown stream IDs are dropped with a warning. workerID
// is used only for the warning log, since frames already self-identify
// their stream.
func (m *Manager) RouteInbound(workerID string, f transport.Frame) {
	m.mu.Lock()
	s, ok := m.streams[f.StreamID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("dropped stream frame for unknown stream-id",
			zap.String("worker_id", workerID),
			zap.String("stream_id", f.StreamID),
			zap.String("kind", string(f.Type)),
		)
		return
	}
	s.handleInbound(f)
}

// CloseAll closes every tracked stream and stops accepting new ones. Used
// by the Pool's shutdown sequence.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
}
