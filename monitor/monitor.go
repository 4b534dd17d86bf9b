// Package monitor provides pool observability: periodic PoolStats sampling,
// a bounded LogEntry ring, suspected-hang health checks and auto-restart
// signalling. The Monitor only detects and reports; reacting to
// TopicNeedsRestart (releasing and replacing the worker) is left to whoever
// owns the Managers.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/metrics"
)

// LogLevel is a LogEntry's severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one record in the Monitor's bounded ring.
type LogEntry struct {
	Timestamp  time.Time
	Level      LogLevel
	Message    string
	WorkerType string
	WorkerID   string
	TaskID     string
	Data       map[string]interface{}
}

// Topics published on the shared eventhub.Hub.
const (
	TopicStats         = "monitor.stats"
	TopicNeedsRestart  = "monitor.worker-needs-restart"
	TopicHealthWarning = "monitor.health-warning"
)

// PoolStats is a point-in-time snapshot of one worker type's pool. It is
// recomputed on every sample and never persisted.
type PoolStats struct {
	WorkerType      string
	WorkerCount     int
	Idle            int
	Busy            int
	QueuedTasks     int
	RunningTasks    int
	Completed       uint64
	Failed          uint64
	Cancelled       uint64
	TotalProcessed  uint64
	AvgTaskDuration time.Duration
}

// HealthWarning is published on TopicHealthWarning when a worker is found
// busy past SuspectedHangAfter.
type HealthWarning struct {
	WorkerType string
	WorkerID   string
	Busy       time.Duration
}

// QueueSizer is satisfied by queue.Queue[T] for any task type; the Monitor
// only ever needs the pending count, so it depends on this narrow interface
// rather than the dispatcher/queue packages directly.
type QueueSizer interface {
	Size() int
}

// Source supplies one worker type's live counters to the Monitor. The
// Facade wires one Source per registered worker type.
type Source struct {
	WorkerType string
	Manager    *manager.Manager
	Queue      QueueSizer

	// Counters, updated by the Dispatcher via AddCompleted/AddFailed/
	// AddCancelled; kept here rather than recomputed from eventhub history
	// so PoolStats.TotalProcessed survives workers being replaced.
	counters *counters
}

// NewSource constructs a Source with its own counters, ready to be handed to
// Monitor.AddSource and to have its Counters() passed to whatever publishes
// completion events (normally the Facade, subscribing to the Dispatcher's
// terminal-task topics).
func NewSource(workerType string, mgr *manager.Manager, q QueueSizer) *Source {
	return &Source{WorkerType: workerType, Manager: mgr, Queue: q, counters: &counters{}}
}

// Counters exposes the mutable completion counters backing this Source's
// PoolStats.Completed/Failed/Cancelled/TotalProcessed fields.
func (s *Source) Counters() *counters { return s.counters }

type counters struct {
	mu        sync.Mutex
	completed uint64
	failed    uint64
	cancelled uint64
}

func (c *counters) addCompleted() {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()
}

func (c *counters) addFailed() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *counters) addCancelled() {
	c.mu.Lock()
	c.cancelled++
	c.mu.Unlock()
}

func (c *counters) snapshot() (completed, failed, cancelled uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.failed, c.cancelled
}

// AddCompleted/AddFailed/AddCancelled record one terminal task outcome for
// this source's worker type. Called by whatever observes the Dispatcher's
// TopicTaskCompleted/TopicTaskFailed/TopicTaskCancelled events (normally the
// root Pool facade, which owns both the Dispatcher and the Monitor).
func (s *Source) AddCompleted() { s.counters.addCompleted() }
func (s *Source) AddFailed()    { s.counters.addFailed() }
func (s *Source) AddCancelled() { s.counters.addCancelled() }

// Config configures a Monitor.
type Config struct {
	// MetricsInterval is how often PoolStats are sampled and published.
	// Defaults to 5s.
	MetricsInterval time.Duration

	// HealthCheckInterval is how often the suspected-hang health check
	// runs. Defaults to 10s.
	HealthCheckInterval time.Duration

	// SuspectedHangAfter marks a busy worker as hung (and transitions it to
	// error and publishes TopicNeedsRestart, whatever the AutoRestart
	// setting of its Manager) once it has been continuously busy past this
	// duration. Zero disables the check.
	SuspectedHangAfter time.Duration

	// MaxLogEntries bounds the LogEntry ring. Defaults to 1000.
	MaxLogEntries int

	// MetricsProvider mirrors every sampled PoolStats into the given
	// metrics.Provider (e.g. metrics.PrometheusProvider, metrics.BasicProvider)
	// so pool health is observable outside the process. Defaults to a
	// metrics.NoopProvider.
	MetricsProvider metrics.Provider

	Hub    *eventhub.Hub
	Logger logging.Logger
}

// Monitor samples PoolStats, keeps the bounded log ring, and runs the
// suspected-hang health check.
type Monitor struct {
	cfg Config
	hub *eventhub.Hub
	log logging.Logger

	busyGauge     metrics.UpDownCounter
	idleGauge     metrics.UpDownCounter
	queuedGauge   metrics.UpDownCounter
	completedCtr  metrics.Counter
	failedCtr     metrics.Counter
	taskDurationH metrics.Histogram

	mu           sync.Mutex
	sources      map[string]*Source
	lastExported map[string]*exported
	ring         []LogEntry
	ringPos      int
	ringLen      int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// exported remembers, per worker type, the values last pushed into the
// metrics.Provider, so each sampling tick can emit deltas: the provider's
// Add is cumulative, so pushing the running totals (or the current
// busy/idle/queued counts) every tick would inflate the instruments
// without bound.
type exported struct {
	busy, idle, queued int64
	completed, failed  uint64
}

// New constructs a Monitor. Call Start to begin sampling.
func New(cfg Config) *Monitor {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 5 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.MaxLogEntries <= 0 {
		cfg.MaxLogEntries = 1000
	}
	if cfg.Hub == nil {
		cfg.Hub = eventhub.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.MetricsProvider == nil {
		cfg.MetricsProvider = metrics.NewNoopProvider()
	}
	m := &Monitor{
		cfg:          cfg,
		hub:          cfg.Hub,
		log:          cfg.Logger,
		sources:      make(map[string]*Source),
		lastExported: make(map[string]*exported),
		ring:         make([]LogEntry, cfg.MaxLogEntries),
		stopCh:       make(chan struct{}),
	}
	p := cfg.MetricsProvider
	m.busyGauge = p.UpDownCounter("fleetpool.workers.busy", metrics.WithUnit("1"))
	m.idleGauge = p.UpDownCounter("fleetpool.workers.idle", metrics.WithUnit("1"))
	m.queuedGauge = p.UpDownCounter("fleetpool.tasks.queued", metrics.WithUnit("1"))
	m.completedCtr = p.Counter("fleetpool.tasks.completed", metrics.WithUnit("1"))
	m.failedCtr = p.Counter("fleetpool.tasks.failed", metrics.WithUnit("1"))
	m.taskDurationH = p.Histogram("fleetpool.tasks.duration", metrics.WithUnit("s"))
	return m
}

// AddSource registers a worker type's live counters for sampling.
func (m *Monitor) AddSource(s *Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.WorkerType] = s
}

// Log appends an entry to the bounded ring, evicting the oldest when full.
func (m *Monitor) Log(level LogLevel, msg string, workerType, workerID, taskID string, data map[string]interface{}) {
	m.mu.Lock()
	m.ring[m.ringPos] = LogEntry{
		Timestamp: time.Now(), Level: level, Message: msg,
		WorkerType: workerType, WorkerID: workerID, TaskID: taskID, Data: data,
	}
	m.ringPos = (m.ringPos + 1) % len(m.ring)
	if m.ringLen < len(m.ring) {
		m.ringLen++
	}
	m.mu.Unlock()
}

// Logs returns a copy of the ring's current contents, oldest first.
func (m *Monitor) Logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, 0, m.ringLen)
	if m.ringLen < len(m.ring) {
		out = append(out, m.ring[:m.ringLen]...)
		return out
	}
	out = append(out, m.ring[m.ringPos:]...)
	out = append(out, m.ring[:m.ringPos]...)
	return out
}

// Start begins the metrics-sampling and health-check tickers.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.sampleLoop(ctx)
	go m.healthLoop(ctx)
}

// Stop halts both tickers. Safe to call once.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sampleAll()
		}
	}
}

func (m *Monitor) sampleAll() {
	m.mu.Lock()
	sources := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.Unlock()

	for _, s := range sources {
		stats := m.sample(s)
		m.mirror(stats)
		eventhub.Publish(m.hub, TopicStats, stats)
	}
}

// Sample returns a point-in-time PoolStats snapshot for s without waiting
// for the next scheduled tick or publishing it to the hub. It does not
// touch the metrics.Provider instruments; only the sampling loop does,
// keeping their per-tick delta bookkeeping intact.
func (m *Monitor) Sample(s *Source) PoolStats {
	return m.sample(s)
}

// mirror pushes one sampled PoolStats into the metrics.Provider
// instruments as deltas against what was last exported for that worker
// type: the busy/idle/queued gauges move by the difference from the
// previous tick, and the completed/failed counters advance only by the
// newly observed terminal tasks.
func (m *Monitor) mirror(stats PoolStats) {
	m.mu.Lock()
	prev, ok := m.lastExported[stats.WorkerType]
	if !ok {
		prev = &exported{}
		m.lastExported[stats.WorkerType] = prev
	}
	busyDelta := int64(stats.Busy) - prev.busy
	idleDelta := int64(stats.Idle) - prev.idle
	queuedDelta := int64(stats.QueuedTasks) - prev.queued
	completedDelta := stats.Completed - prev.completed
	failedDelta := stats.Failed - prev.failed
	prev.busy = int64(stats.Busy)
	prev.idle = int64(stats.Idle)
	prev.queued = int64(stats.QueuedTasks)
	prev.completed = stats.Completed
	prev.failed = stats.Failed
	m.mu.Unlock()

	if busyDelta != 0 {
		m.busyGauge.Add(busyDelta)
	}
	if idleDelta != 0 {
		m.idleGauge.Add(idleDelta)
	}
	if queuedDelta != 0 {
		m.queuedGauge.Add(queuedDelta)
	}
	if completedDelta > 0 {
		m.completedCtr.Add(int64(completedDelta))
	}
	if failedDelta > 0 {
		m.failedCtr.Add(int64(failedDelta))
	}
	if stats.AvgTaskDuration > 0 {
		m.taskDurationH.Record(stats.AvgTaskDuration.Seconds())
	}
}

func (m *Monitor) sample(s *Source) PoolStats {
	idle, busy, running := 0, 0, 0
	var totalDur time.Duration
	var durSamples int
	for _, inst := range s.Manager.Instances() {
		switch inst.Status() {
		case manager.StatusIdle:
			idle++
		case manager.StatusBusy:
			busy++
			running += inst.ActiveTaskCount()
		}
		st := inst.Snapshot()
		if st.AvgDuration > 0 {
			totalDur += st.AvgDuration
			durSamples++
		}
	}
	var avg time.Duration
	if durSamples > 0 {
		avg = totalDur / time.Duration(durSamples)
	}

	queued := 0
	if s.Queue != nil {
		queued = s.Queue.Size()
	}
	completed, failed, cancelled := s.counters.snapshot()

	stats := PoolStats{
		WorkerType:      s.WorkerType,
		WorkerCount:     s.Manager.Count(),
		Idle:            idle,
		Busy:            busy,
		QueuedTasks:     queued,
		RunningTasks:    running,
		Completed:       completed,
		Failed:          failed,
		Cancelled:       cancelled,
		TotalProcessed:  completed + failed + cancelled,
		AvgTaskDuration: avg,
	}
	return stats
}

func (m *Monitor) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	if m.cfg.SuspectedHangAfter <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHangs()
		}
	}
}

func (m *Monitor) checkHangs() {
	m.mu.Lock()
	sources := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, s := range sources {
		for _, inst := range s.Manager.Instances() {
			if inst.Status() != manager.StatusBusy {
				continue
			}
			busyFor := now.Sub(inst.LastActiveAt())
			if busyFor < m.cfg.SuspectedHangAfter {
				continue
			}
			m.log.Warn("worker suspected hung",
				zap.String("worker_type", inst.Type),
				zap.String("worker_id", inst.ID),
				zap.Duration("busy_for", busyFor),
			)
			m.Log(LevelWarn, "worker suspected hung", inst.Type, inst.ID, "", nil)
			eventhub.Publish(m.hub, TopicHealthWarning, HealthWarning{
				WorkerType: inst.Type, WorkerID: inst.ID, Busy: busyFor,
			})
			s.Manager.SetStatus(inst.ID, manager.StatusError)
			eventhub.Publish(m.hub, TopicNeedsRestart, manager.NeedsRestart{
				WorkerType: inst.Type, WorkerID: inst.ID,
			})
		}
	}
}
