// Package manager owns the adapters for one worker type: it enforces
// min <= |workers| <= max, reaps idle workers above the minimum, and
// replaces workers that error out.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/idgen"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/transport"
)

// Status is a worker's lifecycle state. terminated is absorbing;
// transitions out of error go via terminating to terminated.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusError       Status = "error"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusUnknown     Status = "unknown"
)

// Topics published on the shared eventhub.Hub. Payload types are declared
// alongside each topic so subscribers can use eventhub.Subscribe[T].
const (
	TopicWorkerCreated      = "manager.worker-created"
	TopicWorkerStatusChange = "manager.worker-status-change"
	TopicWorkerError        = "manager.worker-error"
	TopicWorkerExited       = "manager.worker-exited"
	TopicNeedsRestart       = "manager.worker-needs-restart"
)

// WorkerCreated is published on TopicWorkerCreated.
type WorkerCreated struct {
	WorkerType string
	WorkerID   string
}

// WorkerStatusChange is published on TopicWorkerStatusChange.
type WorkerStatusChange struct {
	WorkerType string
	WorkerID   string
	Old, New   Status
}

// WorkerError is published on TopicWorkerError.
type WorkerError struct {
	WorkerType string
	WorkerID   string
	Err        error
}

// WorkerExited is published on TopicWorkerExited.
type WorkerExited struct {
	WorkerType string
	WorkerID   string
	Code       int
}

// NeedsRestart is published on TopicNeedsRestart when auto-restart is
// enabled and a worker enters the error state.
type NeedsRestart struct {
	WorkerType string
	WorkerID   string
}

// teardownRequest is sent to an Instance's owning watch goroutine to ask it
// to call Transport.Terminate itself, so that goroutine remains the sole
// reader of the transport's Errors()/Exit() channels for the instance's
// entire lifetime; nothing external ever calls Transport.Terminate
// directly. That single-owner rule is what keeps Terminate's internal wait
// for the transport's exit signal from racing a second reader.
type teardownRequest struct {
	force bool
}

// Instance is the bookkeeping record for one worker.
type Instance struct {
	ID        string
	Type      string
	Transport transport.Transport
	CreatedAt time.Time

	teardown chan teardownRequest
	done     chan struct{}

	mu              sync.Mutex
	status          Status
	lastActive      time.Time
	activeTaskCount int
	completedTasks  uint64
	errorCount      uint64
	avgDurationNS   int64
}

// Status returns the worker's current status.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// LastActiveAt returns the timestamp of the worker's last status
// transition.
func (i *Instance) LastActiveAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActive
}

// ActiveTaskCount returns the number of tasks currently assigned.
func (i *Instance) ActiveTaskCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeTaskCount
}

// IncrementActive records that one more task was assigned to this worker.
// Called by the Dispatcher when it hands a task to this instance.
func (i *Instance) IncrementActive() {
	i.mu.Lock()
	i.activeTaskCount++
	i.mu.Unlock()
}

// DecrementActive records that an assigned task reached a terminal status.
func (i *Instance) DecrementActive() {
	i.mu.Lock()
	if i.activeTaskCount > 0 {
		i.activeTaskCount--
	}
	i.mu.Unlock()
}

// Stats is a read-only snapshot of an Instance's performance counters.
type Stats struct {
	CompletedTasks uint64
	Errors         uint64
	AvgDuration    time.Duration
}

// Snapshot returns the instance's current performance counters.
func (i *Instance) Snapshot() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Stats{
		CompletedTasks: i.completedTasks,
		Errors:         i.errorCount,
		AvgDuration:    time.Duration(i.avgDurationNS),
	}
}

// RecordCompletion updates the moving-average task duration and completed
// count. Called by the Dispatcher once a task assigned to this instance
// reaches a terminal status.
func (i *Instance) RecordCompletion(d time.Duration, failed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if failed {
		i.errorCount++
		return
	}
	i.completedTasks++
	if i.avgDurationNS == 0 {
		i.avgDurationNS = d.Nanoseconds()
		return
	}
	// Exponential moving average; alpha=0.2 favors recent samples without
	// being as noisy as a plain running average.
	const alpha = 0.2
	i.avgDurationNS = int64(alpha*float64(d.Nanoseconds()) + (1-alpha)*float64(i.avgDurationNS))
}

// SpawnFunc constructs a fresh Transport for the Manager's worker type.
type SpawnFunc func(ctx context.Context) (transport.Transport, error)

// Options configures a Manager.
type Options struct {
	// WorkerType is the stable tag this Manager owns workers for.
	WorkerType string

	// Min is the minimum number of workers to keep alive.
	Min uint

	// Max is the maximum number of workers this Manager may create. Zero
	// means unbounded.
	Max uint

	// IdleTimeout is how long an above-min idle worker waits before being
	// reaped. Zero disables idle reaping.
	IdleTimeout time.Duration

	// AutoRestart schedules a replacement worker via EnsureMinWorkers when
	// one enters the error state or otherwise exits.
	AutoRestart bool

	// ResourceMonitor, if non-nil, enables the dynamic-scaling capability
	// described in ResourceMonitorConfig's doc comment.
	ResourceMonitor *ResourceMonitorConfig

	Hub    *eventhub.Hub
	Logger logging.Logger
}

// gracefulTerminateTimeout bounds how long a graceful teardown waits for a
// worker's transport to confirm exit before the owning watch goroutine
// gives up and force-cancels it.
const gracefulTerminateTimeout = 10 * time.Second

// Manager owns the adapters for one worker type.
type Manager struct {
	opts  Options
	spawn SpawnFunc

	mu           sync.Mutex
	workers      map[string]*Instance
	timers       map[string]*time.Timer
	shuttingDown bool

	resourceMonitor *resourceMonitor
}

// New constructs a Manager. spawn is called by CreateWorker/EnsureMinWorkers
// to build a fresh Transport whenever a new worker is needed.
func New(opts Options, spawn SpawnFunc) *Manager {
	if opts.Hub == nil {
		opts.Hub = eventhub.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	m := &Manager{
		opts:    opts,
		spawn:   spawn,
		workers: make(map[string]*Instance),
		timers:  make(map[string]*time.Timer),
	}
	if opts.ResourceMonitor != nil {
		m.resourceMonitor = newResourceMonitor(m, *opts.ResourceMonitor)
	}
	return m
}

// StartResourceMonitor begins dynamic-scaling sampling, if this Manager was
// constructed with Options.ResourceMonitor set. It is a no-op otherwise.
func (m *Manager) StartResourceMonitor(ctx context.Context) {
	if m.resourceMonitor != nil {
		m.resourceMonitor.Start(ctx)
	}
}

// Load returns the busy-worker ratio across this Manager's tracked workers,
// suitable as a ResourceMonitorConfig.Load implementation.
func (m *Manager) Load() float64 {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.workers))
	for _, inst := range m.workers {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	if len(insts) == 0 {
		return 0
	}
	busy := 0
	for _, inst := range insts {
		if inst.Status() == StatusBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(insts))
}

// AcquireIdle returns any idle adapter's Instance, or nil if none is idle.
func (m *Manager) AcquireIdle() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.workers {
		if inst.Status() == StatusIdle {
			m.setStatusLocked(inst, StatusBusy)
			return inst
		}
	}
	return nil
}

// CreateWorker constructs and registers a new worker, failing with
// ErrMaxWorkersExceeded if Max is already reached.
func (m *Manager) CreateWorker(ctx context.Context) (*Instance, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, errs.ErrShutdownInProgress
	}
	if m.opts.Max > 0 && uint(len(m.workers)) >= m.opts.Max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s max=%d", errs.ErrMaxWorkersExceeded, m.opts.WorkerType, m.opts.Max)
	}
	m.mu.Unlock()

	tr, err := m.spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("manager: spawn %s: %w", m.opts.WorkerType, err)
	}

	inst := &Instance{
		ID:         idgen.WorkerID(m.opts.WorkerType),
		Type:       m.opts.WorkerType,
		Transport:  tr,
		CreatedAt:  time.Now(),
		lastActive: time.Now(),
		status:     StatusStarting,
		teardown:   make(chan teardownRequest, 1),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		_ = tr.Terminate(ctx, true)
		return nil, errs.ErrShutdownInProgress
	}
	m.workers[inst.ID] = inst
	m.mu.Unlock()

	go m.watch(inst)

	m.setStatus(inst.ID, StatusIdle)
	eventhub.Publish(m.opts.Hub, TopicWorkerCreated, WorkerCreated{WorkerType: m.opts.WorkerType, WorkerID: inst.ID})
	return inst, nil
}

// watch is the sole goroutine that ever touches inst.Transport's
// Errors()/Exit() channels or calls its Terminate method, for as long as
// the instance lives. External requests to tear a worker down (graceful
// release, shutdown, crash recovery) go through inst.teardown rather than
// calling Transport.Terminate themselves, so Terminate's internal wait for
// the exit signal never races a second reader of the same channel.
func (m *Manager) watch(inst *Instance) {
	defer close(inst.done)

	for {
		select {
		case err, ok := <-inst.Transport.Errors():
			if !ok {
				m.onWorkerExited(inst, -1)
				return
			}
			m.onWorkerError(inst, err)
			ctx, cancel := context.WithTimeout(context.Background(), gracefulTerminateTimeout)
			_ = inst.Transport.Terminate(ctx, true)
			cancel()
			m.onWorkerExited(inst, -1)
			return

		case code, ok := <-inst.Transport.Exit():
			if !ok {
				code = -1
			}
			m.onWorkerExited(inst, code)
			return

		case req := <-inst.teardown:
			ctx, cancel := context.WithTimeout(context.Background(), gracefulTerminateTimeout)
			_ = inst.Transport.Terminate(ctx, req.force)
			cancel()
			m.onWorkerExited(inst, 0)
			return
		}
	}
}

func (m *Manager) onWorkerError(inst *Instance, err error) {
	m.setStatus(inst.ID, StatusError)
	m.opts.Logger.Warn("worker error",
		zap.String("worker_type", inst.Type),
		zap.String("worker_id", inst.ID),
		zap.Error(err),
	)
	eventhub.Publish(m.opts.Hub, TopicWorkerError, WorkerError{WorkerType: inst.Type, WorkerID: inst.ID, Err: err})

	if m.opts.AutoRestart {
		eventhub.Publish(m.opts.Hub, TopicNeedsRestart, NeedsRestart{WorkerType: inst.Type, WorkerID: inst.ID})
	}
	m.setStatus(inst.ID, StatusTerminating)
}

func (m *Manager) onWorkerExited(inst *Instance, code int) {
	m.setStatus(inst.ID, StatusTerminated)
	eventhub.Publish(m.opts.Hub, TopicWorkerExited, WorkerExited{WorkerType: inst.Type, WorkerID: inst.ID, Code: code})

	m.mu.Lock()
	delete(m.workers, inst.ID)
	if t, ok := m.timers[inst.ID]; ok {
		t.Stop()
		delete(m.timers, inst.ID)
	}
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	if m.opts.AutoRestart && !shuttingDown {
		_ = m.EnsureMinWorkers(context.Background())
	}
}

// SetStatus transitions a worker's status, arming the idle timer on
// entering idle above Min and disarming it on leaving idle.
func (m *Manager) SetStatus(id string, status Status) {
	m.setStatus(id, status)
}

func (m *Manager) setStatus(id string, status Status) {
	m.mu.Lock()
	inst, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(inst, status)
	m.mu.Unlock()
}

func (m *Manager) setStatusLocked(inst *Instance, status Status) {
	inst.mu.Lock()
	old := inst.status
	inst.status = status
	inst.lastActive = time.Now()
	inst.mu.Unlock()

	if old == status {
		return
	}

	if old == StatusIdle {
		m.disarmIdleTimerLocked(inst.ID)
	}
	if status == StatusIdle && uint(len(m.workers)) > m.opts.Min {
		m.armIdleTimerLocked(inst)
	}

	eventhub.Publish(m.opts.Hub, TopicWorkerStatusChange, WorkerStatusChange{
		WorkerType: inst.Type, WorkerID: inst.ID, Old: old, New: status,
	})
}

func (m *Manager) armIdleTimerLocked(inst *Instance) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	if _, ok := m.timers[inst.ID]; ok {
		return
	}
	id := inst.ID
	m.timers[id] = time.AfterFunc(m.opts.IdleTimeout, func() {
		m.reapIfStillIdle(id)
	})
}

func (m *Manager) disarmIdleTimerLocked(id string) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) reapIfStillIdle(id string) {
	m.mu.Lock()
	inst, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	stillIdle := inst.Status() == StatusIdle
	aboveMin := uint(len(m.workers)) > m.opts.Min
	delete(m.timers, id)
	m.mu.Unlock()

	if stillIdle && aboveMin {
		m.ReleaseWorker(context.Background(), id)
	}
}

// ReleaseWorker asks the instance's owning watch goroutine to gracefully
// terminate it. The worker is removed from the tracked set before
// ReleaseWorker returns, so an immediately following EnsureMinWorkers or
// CreateWorker no longer counts it; the transport teardown itself finishes
// asynchronously; wait on the Manager's eventhub TopicWorkerExited topic
// to observe completion.
func (m *Manager) ReleaseWorker(ctx context.Context, id string) {
	_ = ctx
	m.mu.Lock()
	inst, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.disarmIdleTimerLocked(id)
	m.setStatusLocked(inst, StatusTerminating)
	delete(m.workers, id)
	m.mu.Unlock()

	select {
	case inst.teardown <- teardownRequest{force: false}:
	default:
	}
}

// EnsureMinWorkers creates workers until Min is met. Idempotent.
func (m *Manager) EnsureMinWorkers(ctx context.Context) error {
	for {
		m.mu.Lock()
		n := uint(len(m.workers))
		shuttingDown := m.shuttingDown
		m.mu.Unlock()

		if shuttingDown || n >= m.opts.Min {
			return nil
		}
		if _, err := m.CreateWorker(ctx); err != nil {
			return err
		}
	}
}

// Done returns a channel closed once this instance's watch goroutine has
// finished tearing it down, useful for callers (e.g. the Dispatcher) that
// run their own per-instance goroutine alongside it and need to know when
// to stop.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Get returns the tracked instance with the given ID, if present.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.workers[id]
	return inst, ok
}

// Count returns the current number of tracked workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Instances returns a snapshot slice of all tracked instances.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.workers))
	for _, inst := range m.workers {
		out = append(out, inst)
	}
	return out
}

// Shutdown terminates all workers and rejects further creation. If force is
// false, each worker is given up to gracefulTerminateTimeout (bounded
// further by ctx) to exit on its own before being cancelled.
func (m *Manager) Shutdown(ctx context.Context, force bool) {
	if m.resourceMonitor != nil {
		m.resourceMonitor.Stop()
	}

	m.mu.Lock()
	m.shuttingDown = true
	insts := make([]*Instance, 0, len(m.workers))
	for _, inst := range m.workers {
		insts = append(insts, inst)
	}
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			select {
			case inst.teardown <- teardownRequest{force: force}:
			default:
			}
			select {
			case <-inst.done:
			case <-ctx.Done():
			}
		}(inst)
	}
	wg.Wait()
}
