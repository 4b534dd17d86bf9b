// Package stream provides persistent event streams: a bidirectional,
// pausable frame channel bound to exactly one worker instance for its
// lifetime, multiplexed over a shared transport.Transport by stream-id.
package stream

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/idgen"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/transport"
)

// Status is a stream's lifecycle state. closed is terminal and error moves
// on only to closed; pause is legal only from active and resume only from
// paused.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusClosed       Status = "closed"
	StatusError        Status = "error"
)

// TopicStatusChange is published on the shared eventhub.Hub whenever a
// stream's Status changes.
const TopicStatusChange = "stream.status-change"

// StatusChange is published on TopicStatusChange.
type StatusChange struct {
	StreamID string
	WorkerID string
	Status   Status
	Err      error
}

// Options configures a created Stream.
type Options struct {
	InactivityTimeout time.Duration
	Metadata          map[string]interface{}
	InitialData       interface{}

	// Priority orders this stream's outbound MESSAGE frames on the worker's
	// bounded send queue, relative to other traffic on the same transport.
	// Lifecycle frames (INIT, PAUSE, RESUME, CLOSE) bypass the queue.
	Priority int

	// DisableAutoCleanup keeps subscribers registered past close instead of
	// the default drop-on-close behavior.
	DisableAutoCleanup bool
}

// Stream is one bidirectional frame channel over a single worker instance.
type Stream struct {
	ID       string
	WorkerID string

	inst   *manager.Instance
	opts   Options
	hub    *eventhub.Hub
	logger logging.Logger

	mu              sync.Mutex
	status          Status
	lastActivity    time.Time
	subscribers     map[uint64]func(transport.Frame)
	nextSubID       uint64
	inactivityTimer *time.Timer
}

func newStream(inst *manager.Instance, opts Options, hub *eventhub.Hub, logger logging.Logger) *Stream {
	s := &Stream{
		ID:          idgen.StreamID(),
		WorkerID:    inst.ID,
		inst:        inst,
		opts:        opts,
		hub:         hub,
		logger:      logger,
		status:      StatusInitializing,
		subscribers: make(map[uint64]func(transport.Frame)),
	}
	s.lastActivity = time.Now()
	return s
}

func (s *Stream) start() error {
	err := s.inst.Transport.Post(transport.Frame{
		Type:     transport.KindStreamInit,
		StreamID: s.ID,
		Data:     s.opts.InitialData,
	})
	if err != nil {
		return err
	}
	s.armInactivityTimer()
	return nil
}

// Status returns the stream's current lifecycle state.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivityAt returns the timestamp of the last inbound or outbound frame.
func (s *Stream) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Subscribe registers fn to receive every inbound MESSAGE frame delivered
// on this stream, in the order the worker emitted them. Returns a function
// that cancels the subscription.
func (s *Stream) Subscribe(fn func(transport.Frame)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Send forwards data to the worker as a STREAM_MESSAGE frame. Sends while
// initializing are forwarded immediately, trusting the worker to buffer
// until it emits READY. Sends on a closed or errored stream fail with
// ErrStreamNotActive.
func (s *Stream) Send(data interface{}) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if status == StatusClosed || status == StatusError {
		return errs.ErrStreamNotActive
	}

	if err := s.inst.Transport.PostPrioritized(transport.Frame{
		Type:     transport.KindStreamMsg,
		StreamID: s.ID,
		Data:     data,
	}, s.opts.Priority); err != nil {
		return err
	}
	s.touch()
	return nil
}

// Pause transitions an active stream to paused. Legal only from active.
func (s *Stream) Pause() error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: pause requires active, was %s", errs.ErrInvalidConfig, s.status)
	}
	s.mu.Unlock()

	if err := s.inst.Transport.Post(transport.Frame{Type: transport.KindStreamPause, StreamID: s.ID}); err != nil {
		return err
	}
	s.setStatus(StatusPaused, nil)
	s.touch()
	return nil
}

// Resume transitions a paused stream back to active. Legal only from paused.
func (s *Stream) Resume() error {
	s.mu.Lock()
	if s.status != StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: resume requires paused, was %s", errs.ErrInvalidConfig, s.status)
	}
	s.mu.Unlock()

	if err := s.inst.Transport.Post(transport.Frame{Type: transport.KindStreamResume, StreamID: s.ID}); err != nil {
		return err
	}
	s.setStatus(StatusActive, nil)
	s.touch()
	return nil
}

// Close transitions the stream to closed. Idempotent: closing an
// already-closed or errored stream is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.status == StatusClosed || s.status == StatusError {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.inst.Transport.Post(transport.Frame{Type: transport.KindStreamClose, StreamID: s.ID})
	s.setStatus(StatusClosed, nil)
	return err
}

// handleInbound applies one inbound frame to the stream's state machine.
// Called by Manager.RouteInbound; never called concurrently
// with itself for the same stream since each instance's frames are read by a
// single goroutine.
func (s *Stream) handleInbound(f transport.Frame) {
	s.touch()

	switch f.Type {
	case transport.KindStreamReady:
		s.setStatus(StatusActive, nil)

	case transport.KindStreamMsg:
		s.mu.Lock()
		if s.status == StatusClosed || s.status == StatusError {
			s.mu.Unlock()
			return
		}
		handlers := make([]func(transport.Frame), 0, len(s.subscribers))
		for _, fn := range s.subscribers {
			handlers = append(handlers, fn)
		}
		s.mu.Unlock()
		for _, fn := range handlers {
			s.safeDeliver(fn, f)
		}

	case transport.KindStreamPause:
		s.mu.Lock()
		if s.status == StatusActive {
			s.status = StatusPaused
		}
		s.mu.Unlock()

	case transport.KindStreamResume:
		s.mu.Lock()
		if s.status == StatusPaused {
			s.status = StatusActive
		}
		s.mu.Unlock()

	case transport.KindStreamError:
		s.setStatus(StatusError, fmt.Errorf("%s", f.Error))
		_ = s.inst.Transport.Post(transport.Frame{Type: transport.KindStreamClose, StreamID: s.ID})

	case transport.KindStreamClose:
		s.setStatus(StatusClosed, nil)
	}
}

func (s *Stream) safeDeliver(fn func(transport.Frame), f transport.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("stream subscriber panicked",
				zap.String("stream_id", s.ID),
				zap.Any("recovered", r),
			)
		}
	}()
	fn(f)
}

func (s *Stream) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.armInactivityTimer()
}

func (s *Stream) armInactivityTimer() {
	if s.opts.InactivityTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = time.AfterFunc(s.opts.InactivityTimeout, s.onInactivityTimeout)
}

func (s *Stream) disarmInactivityTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
}

func (s *Stream) onInactivityTimeout() {
	s.mu.Lock()
	if s.status == StatusClosed || s.status == StatusError {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.setStatus(StatusError, errs.ErrStreamTimeout)
	_ = s.inst.Transport.Post(transport.Frame{Type: transport.KindStreamClose, StreamID: s.ID})
	s.setStatus(StatusClosed, nil)
}

func (s *Stream) setStatus(status Status, err error) {
	s.mu.Lock()
	if s.status == StatusClosed || (s.status == StatusError && status != StatusClosed) {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if status == StatusClosed {
		s.disarmInactivityTimer()
		if !s.opts.DisableAutoCleanup {
			s.mu.Lock()
			s.subscribers = make(map[uint64]func(transport.Frame))
			s.mu.Unlock()
		}
	}

	eventhub.Publish(s.hub, TopicStatusChange, StatusChange{
		StreamID: s.ID, WorkerID: s.WorkerID, Status: status, Err: err,
	})
}
