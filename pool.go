package fleetpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/ygrebnov/fleetpool/canvasproto"
	"github.com/ygrebnov/fleetpool/dispatcher"
	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/monitor"
	"github.com/ygrebnov/fleetpool/registry"
	"github.com/ygrebnov/fleetpool/stream"
	"github.com/ygrebnov/fleetpool/transport"
)

// TopicShutdown is published on the Pool's Hub once Shutdown has completed.
const TopicShutdown = "pool.shutdown"

// ShutdownEvent is published on TopicShutdown.
type ShutdownEvent struct {
	Force bool
}

// Pool is the worker pool facade, the only type a typical client touches.
// It composes a Registry, one Manager per registered worker type, a
// Dispatcher, a Stream Manager and a Monitor, all wired one-way through a
// shared eventhub.Hub; no component holds a back-reference to another.
type Pool struct {
	cfg      Config
	registry *registry.Registry
	hub      *eventhub.Hub
	logger   logging.Logger

	managers map[string]*manager.Manager
	sources  map[string]*monitor.Source

	dispatcher *dispatcher.Dispatcher
	streams    *stream.Manager
	monitor    *monitor.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	shuttingDown bool
}

// New constructs a Pool from cfg, validating it and creating every
// registered worker type's minimum worker count before returning. Callers
// typically build cfg via functional Options (see options.go) rather than by
// hand.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	merged := defaultConfig()
	if cfg.PollInterval > 0 {
		merged.PollInterval = cfg.PollInterval
	}
	if cfg.MaxQueueSize > 0 {
		merged.MaxQueueSize = cfg.MaxQueueSize
	}
	if cfg.MetricsInterval > 0 {
		merged.MetricsInterval = cfg.MetricsInterval
	}
	if cfg.HealthCheckInterval > 0 {
		merged.HealthCheckInterval = cfg.HealthCheckInterval
	}
	if cfg.MaxLogEntries > 0 {
		merged.MaxLogEntries = cfg.MaxLogEntries
	}
	merged.WorkerTypes = cfg.WorkerTypes
	merged.PriorityReserve = cfg.PriorityReserve
	merged.SuspectedHangAfter = cfg.SuspectedHangAfter
	merged.MetricsProvider = cfg.MetricsProvider
	merged.Logger = cfg.Logger
	cfg = merged

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	hub := eventhub.New()

	locators := make([]registry.Locator, 0, len(cfg.WorkerTypes))
	for _, wt := range cfg.WorkerTypes {
		l := wt.Locator
		l.WorkerType = wt.WorkerType
		locators = append(locators, l)
	}
	reg := registry.New(locators...)

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		cfg:      cfg,
		registry: reg,
		hub:      hub,
		logger:   logger,
		managers: make(map[string]*manager.Manager),
		sources:  make(map[string]*monitor.Source),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	mon := monitor.New(monitor.Config{
		MetricsInterval:     cfg.MetricsInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		SuspectedHangAfter:  cfg.SuspectedHangAfter,
		MaxLogEntries:       cfg.MaxLogEntries,
		MetricsProvider:     cfg.MetricsProvider,
		Hub:                 hub,
		Logger:              logger,
	})
	p.monitor = mon

	streamMgr := stream.NewManager(hub, logger)
	p.streams = streamMgr

	disp := dispatcher.New(dispatcher.Config{
		Managers:        p.managers,
		PollInterval:    cfg.PollInterval,
		MaxQueueSize:    cfg.MaxQueueSize,
		PriorityReserve: cfg.PriorityReserve,
		StreamRouter:    streamMgr,
		Hub:             hub,
		Logger:          logger,
	})
	p.dispatcher = disp

	for _, wt := range cfg.WorkerTypes {
		loc := wt.Locator
		loc.WorkerType = wt.WorkerType
		mgr := manager.New(manager.Options{
			WorkerType:      wt.WorkerType,
			Min:             wt.Min,
			Max:             wt.Max,
			IdleTimeout:     wt.IdleTimeout,
			AutoRestart:     wt.AutoRestart,
			ResourceMonitor: wt.ResourceMonitor,
			Hub:             hub,
			Logger:          logger,
		}, func(spawnCtx context.Context) (transport.Transport, error) {
			return registry.Spawn(spawnCtx, loc)
		})
		p.managers[wt.WorkerType] = mgr
		p.sources[wt.WorkerType] = monitor.NewSource(wt.WorkerType, mgr, disp.PendingQueue(wt.WorkerType))
		mon.AddSource(p.sources[wt.WorkerType])
	}

	// Subscribe to terminal-task events after every Manager/Source exists so
	// counters are attributable by worker type.
	eventhub.Subscribe(hub, dispatcher.TopicTaskCompleted, func(e dispatcher.TaskTerminal) {
		if s, ok := p.sources[e.WorkerType]; ok {
			s.AddCompleted()
		}
	})
	eventhub.Subscribe(hub, dispatcher.TopicTaskFailed, func(e dispatcher.TaskTerminal) {
		if s, ok := p.sources[e.WorkerType]; ok {
			s.AddFailed()
		}
	})
	eventhub.Subscribe(hub, dispatcher.TopicTaskCancelled, func(e dispatcher.TaskTerminal) {
		if s, ok := p.sources[e.WorkerType]; ok {
			s.AddCancelled()
		}
	})

	// Health-check-driven replacement: the Monitor marks a hung worker's
	// status error and publishes NeedsRestart; the Pool is the one component
	// allowed to ask a Manager to release and replace it.
	eventhub.Subscribe(hub, monitor.TopicNeedsRestart, func(e manager.NeedsRestart) {
		p.replaceWorker(e.WorkerType, e.WorkerID)
	})
	eventhub.Subscribe(hub, manager.TopicNeedsRestart, func(e manager.NeedsRestart) {
		p.replaceWorker(e.WorkerType, e.WorkerID)
	})

	// A stream holds its worker busy for its whole lifetime; once the stream
	// reaches a terminal state, the worker goes back into the idle pool.
	eventhub.Subscribe(hub, stream.TopicStatusChange, func(e stream.StatusChange) {
		if e.Status != stream.StatusClosed && e.Status != stream.StatusError {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, mgr := range p.managers {
			if _, ok := mgr.Get(e.WorkerID); ok {
				mgr.SetStatus(e.WorkerID, manager.StatusIdle)
				return
			}
		}
	})

	for wt, mgr := range p.managers {
		if err := mgr.EnsureMinWorkers(poolCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("fleetpool: ensure min workers for %q: %w", wt, err)
		}
	}

	disp.Start(poolCtx)
	mon.Start(poolCtx)
	for _, mgr := range p.managers {
		mgr.StartResourceMonitor(poolCtx)
	}

	return p, nil
}

func (p *Pool) managerFor(workerType string) (*manager.Manager, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mgr, ok := p.managers[workerType]
	return mgr, ok
}

func (p *Pool) replaceWorker(workerType, workerID string) {
	mgr, ok := p.managerFor(workerType)
	if !ok {
		return
	}
	mgr.ReleaseWorker(p.ctx, workerID)
	_ = mgr.EnsureMinWorkers(p.ctx)
}

// RegisterTaskType maps taskType to the worker type that executes it.
func (p *Pool) RegisterTaskType(taskType, workerType string) {
	p.dispatcher.RegisterTaskType(taskType, workerType)
}

// RegisterCustomWorker adds a custom worker type to the Pool's Registry and
// brings its Manager up to its configured minimum.
func (p *Pool) RegisterCustomWorker(ctx context.Context, name string, locator registry.Locator, opts WorkerTypeConfig) error {
	locator.WorkerType = name
	if err := p.registry.RegisterCustom(name, locator); err != nil {
		return err
	}

	mgr := manager.New(manager.Options{
		WorkerType:      name,
		Min:             opts.Min,
		Max:             opts.Max,
		IdleTimeout:     opts.IdleTimeout,
		AutoRestart:     opts.AutoRestart,
		ResourceMonitor: opts.ResourceMonitor,
		Hub:             p.hub,
		Logger:          p.logger,
	}, func(spawnCtx context.Context) (transport.Transport, error) {
		return registry.Spawn(spawnCtx, locator)
	})

	p.mu.Lock()
	p.managers[name] = mgr
	p.dispatcher.AddManager(name, mgr)
	src := monitor.NewSource(name, mgr, p.dispatcher.PendingQueue(name))
	p.sources[name] = src
	p.mu.Unlock()

	p.monitor.AddSource(src)
	mgr.StartResourceMonitor(p.ctx)
	return mgr.EnsureMinWorkers(ctx)
}

// Submit enqueues a task and returns a Future delivering its untyped
// terminal result. Callers with a known result type prefer the generic
// dispatcher.Submit function instead, which decodes into a concrete Out.
func (p *Pool) Submit(taskType string, data interface{}, opts dispatcher.Options, onProgress func(interface{})) (dispatcher.Future[interface{}], error) {
	return dispatcher.Submit[interface{}, interface{}](p.dispatcher, taskType, data, opts, onProgress)
}

// Cancel cancels a queued or running task. It reports false when the task
// is unknown or already terminal.
func (p *Pool) Cancel(taskID string) bool {
	return p.dispatcher.Cancel(taskID)
}

// Status returns a task's current status.
func (p *Pool) Status(taskID string) (dispatcher.Status, bool) {
	return p.dispatcher.GetStatus(taskID)
}

// CreateStream opens a persistent bidirectional channel bound to an idle
// worker of workerType. It acquires (or creates, within
// that type's Min/Max bounds) one worker for the stream's entire lifetime.
func (p *Pool) CreateStream(ctx context.Context, workerType string, opts stream.Options) (*stream.Stream, error) {
	mgr, ok := p.managerFor(workerType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownWorkerType, workerType)
	}
	inst := mgr.AcquireIdle()
	if inst == nil {
		var err error
		inst, err = mgr.CreateWorker(ctx)
		if err != nil {
			return nil, err
		}
		mgr.SetStatus(inst.ID, manager.StatusBusy)
	}
	s, err := p.streams.Create(inst, opts)
	if err != nil {
		mgr.SetStatus(inst.ID, manager.StatusIdle)
		return nil, err
	}
	return s, nil
}

// CreateCanvas wires an OffscreenCanvas protocol Manager to one idle worker
// of workerType, with fallback executing inline if the acquired worker's
// transport cannot transfer canvas ownership off-thread. The Dispatcher
// stays the worker transport's sole reader: canvas frames reach the Manager
// through its attached FrameHandler, not a second Messages receiver.
func (p *Pool) CreateCanvas(ctx context.Context, workerType string, fallback canvasproto.FallbackFunc) (*canvasproto.Manager, error) {
	mgr, ok := p.managerFor(workerType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownWorkerType, workerType)
	}
	inst := mgr.AcquireIdle()
	if inst == nil {
		var err error
		inst, err = mgr.CreateWorker(ctx)
		if err != nil {
			return nil, err
		}
		mgr.SetStatus(inst.ID, manager.StatusBusy)
	}
	cm := canvasproto.New(inst, p.logger, fallback)
	p.dispatcher.AttachFrameHandler(inst.ID, cm)
	return cm, nil
}

// Stats returns a point-in-time PoolStats snapshot for workerType.
func (p *Pool) Stats(workerType string) (monitor.PoolStats, bool) {
	p.mu.Lock()
	src, ok := p.sources[workerType]
	p.mu.Unlock()
	if !ok {
		return monitor.PoolStats{}, false
	}
	return p.monitor.Sample(src), true
}

// Logs returns a copy of the Monitor's current bounded LogEntry ring.
func (p *Pool) Logs() []monitor.LogEntry {
	return p.monitor.Logs()
}

// Hub exposes the shared eventhub.Hub so callers can subscribe to the
// pool's public events (task-queued, task-completed, worker-error, stats,
// ...) without the Pool re-exposing every topic as its own method.
func (p *Pool) Hub() *eventhub.Hub {
	return p.hub
}

// Shutdown stops polling/sampling, closes all streams, cancels queued tasks,
// and terminates every Manager. force skips waiting for
// in-flight tasks and kills workers immediately.
func (p *Pool) Shutdown(ctx context.Context, force bool) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	p.mu.Unlock()

	p.monitor.Stop()
	p.streams.CloseAll(ctx)
	p.dispatcher.Shutdown(force)

	p.mu.Lock()
	managers := make([]*manager.Manager, 0, len(p.managers))
	for _, mgr := range p.managers {
		managers = append(managers, mgr)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, mgr := range managers {
		wg.Add(1)
		go func(m *manager.Manager) {
			defer wg.Done()
			m.Shutdown(ctx, force)
		}(mgr)
	}
	wg.Wait()

	p.cancel()
	eventhub.Publish(p.hub, TopicShutdown, ShutdownEvent{Force: force})
}
