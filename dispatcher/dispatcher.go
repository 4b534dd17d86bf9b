// Package dispatcher implements the pool's central scheduler: it maps task
// types to worker types, runs the assignment loop against one or more
// manager.Manager instances, and enforces retry, timeout and cancellation
// policy.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ygrebnov/fleetpool/eventhub"
	"github.com/ygrebnov/fleetpool/idgen"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/queue"
	"github.com/ygrebnov/fleetpool/transport"
)

// Status is a task's lifecycle state. It only moves forward: queued tasks
// may become running or cancelled; running tasks end completed, failed or
// cancelled.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Default submit option values.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 0
)

// DefaultCancelGraceWindow bounds how long the Dispatcher waits for a worker
// to honor a cancel-task frame before concluding it is unresponsive.
const DefaultCancelGraceWindow = 3 * time.Second

// Options configures one submitted task.
type Options struct {
	Priority   int
	Timeout    time.Duration
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Result is a terminal task outcome: exactly one of Value/Err is set.
type Result struct {
	Value interface{}
	Err   error
}

// Topics published on the shared eventhub.Hub.
const (
	TopicTaskQueued    = "dispatcher.task-queued"
	TopicTaskStarted   = "dispatcher.task-started"
	TopicTaskProgress  = "dispatcher.task-progress"
	TopicTaskCompleted = "dispatcher.task-completed"
	TopicTaskFailed    = "dispatcher.task-failed"
	TopicTaskCancelled = "dispatcher.task-cancelled"
)

// TaskQueued is published on TopicTaskQueued when a submitted task lands on
// its worker type's queue (including re-enqueues on retry).
type TaskQueued struct {
	TaskID     string
	TaskType   string
	WorkerType string
	Priority   int
}

// TaskStarted is published on TopicTaskStarted when a task is handed to a
// worker.
type TaskStarted struct {
	TaskID     string
	TaskType   string
	WorkerType string
	WorkerID   string
}

// TaskProgress is published on TopicTaskProgress for every task-progress
// frame a worker emits, alongside the task's own onProgress callback.
type TaskProgress struct {
	TaskID   string
	Progress interface{}
}

// TaskTerminal is published on TopicTaskCompleted/TopicTaskFailed/TopicTaskCancelled.
type TaskTerminal struct {
	TaskID     string
	TaskType   string
	WorkerType string
	Status     Status
	Err        error
}

type task struct {
	id          string
	taskType    string
	workerType  string
	data        interface{}
	opts        Options
	onProgress  func(interface{})
	submittedAt time.Time

	mu               sync.Mutex
	status           Status
	retryCount       int
	assignedWorkerID string
	startedAt        time.Time
	timeoutTimer     *time.Timer
	done             bool
	resultCh         chan Result
}

func (t *task) QueueID() string             { return t.id }
func (t *task) QueuePriority() int          { return t.opts.Priority }
func (t *task) QueueSubmittedAt() time.Time { return t.submittedAt }

// StreamRouter receives frames whose Kind belongs to the stream family, so
// the Dispatcher can remain the sole reader of each instance's
// Transport.Messages() channel while still handing stream traffic off to
// whatever owns stream routing (normally *stream.Manager). Kept as a narrow
// interface here, rather than importing the stream package directly, to
// avoid a dispatcher<->stream import cycle.
type StreamRouter interface {
	RouteInbound(workerID string, f transport.Frame)
}

// FrameHandler receives the frames from one worker that the Dispatcher
// itself does not consume (neither task frames nor stream-kind frames).
// It is the hand-off point for protocol layers speaking their own frame
// vocabulary over a pool worker, e.g. *canvasproto.Manager; attaching a
// handler keeps the Dispatcher the transport's sole reader instead of the
// protocol layer competing for the Messages channel.
type FrameHandler interface {
	HandleInbound(f transport.Frame)
}

// PriorityReserveConfig reserves a Fraction of each worker type's pool for
// tasks at or above Threshold priority; lower-priority tasks only draw from
// the remaining workers.
type PriorityReserveConfig struct {
	Fraction  float64
	Threshold int
}

// Config configures a Dispatcher.
type Config struct {
	// Managers maps worker type -> the Manager that owns its adapters.
	Managers map[string]*manager.Manager

	// PollInterval is the assignment loop's polling period. Defaults to
	// 10ms; the loop also wakes immediately on submit/completion.
	PollInterval time.Duration

	// MaxQueueSize bounds each worker type's queue. Defaults to
	// queue.DefaultMaxSize.
	MaxQueueSize int

	// CancelGraceWindow bounds how long the Dispatcher waits, after sending
	// a cancel-task frame (on an explicit Cancel of a running task, or a
	// timeout), for the worker to confirm it actually stopped. A worker
	// still unresponsive when the window elapses is terminated and
	// replaced. Defaults to DefaultCancelGraceWindow.
	CancelGraceWindow time.Duration

	PriorityReserve *PriorityReserveConfig

	// StreamRouter, if set, receives every inbound frame whose Kind is a
	// stream-kind frame instead of the Dispatcher silently dropping it.
	StreamRouter StreamRouter

	Hub    *eventhub.Hub
	Logger logging.Logger
}

// Dispatcher owns the per-worker-type queues, the task index, and the
// assignment loop that hands queued tasks to idle workers.
type Dispatcher struct {
	managers map[string]*manager.Manager

	pollInterval time.Duration
	maxQueueSize int
	graceWindow  time.Duration
	reserve      *PriorityReserveConfig

	hub    *eventhub.Hub
	logger logging.Logger

	streamRouter StreamRouter

	mu                   sync.Mutex
	taskTypeToWorkerType map[string]string
	queues               map[string]*queue.Queue[*task]
	workerTypeOrder      []string
	tasks                map[string]*task
	lowBusy              map[string]int
	pendingCancels       map[string]*pendingCancel
	frameHandlers        map[string]FrameHandler
	stopped              bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// pendingCancel tracks a worker waiting to confirm it honored a cancel-task
// frame sent for taskID (either from an explicit Cancel of a running task,
// or from a timeout). If grace elapses with no confirmation, the worker is
// terminated and replaced.
type pendingCancel struct {
	workerType string
	workerID   string
	timer      *time.Timer
}

// New constructs a Dispatcher. Call Start to begin its assignment loop.
func New(cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = queue.DefaultMaxSize
	}
	if cfg.CancelGraceWindow <= 0 {
		cfg.CancelGraceWindow = DefaultCancelGraceWindow
	}
	if cfg.Hub == nil {
		cfg.Hub = eventhub.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Dispatcher{
		managers:             cfg.Managers,
		pollInterval:         cfg.PollInterval,
		maxQueueSize:         cfg.MaxQueueSize,
		graceWindow:          cfg.CancelGraceWindow,
		reserve:              cfg.PriorityReserve,
		streamRouter:         cfg.StreamRouter,
		hub:                  cfg.Hub,
		logger:               cfg.Logger,
		taskTypeToWorkerType: make(map[string]string),
		queues:               make(map[string]*queue.Queue[*task]),
		tasks:                make(map[string]*task),
		lowBusy:              make(map[string]int),
		pendingCancels:       make(map[string]*pendingCancel),
		frameHandlers:        make(map[string]FrameHandler),
		wake:                 make(chan struct{}, 1),
		stopCh:               make(chan struct{}),
	}
}

// Start subscribes to worker-creation events and begins the assignment loop.
func (d *Dispatcher) Start(ctx context.Context) {
	eventhub.Subscribe(d.hub, manager.TopicWorkerCreated, func(e manager.WorkerCreated) {
		d.watchInstance(e.WorkerType, e.WorkerID)
	})
	// A worker whose execution context died mid-task never sends a terminal
	// frame; fail its running tasks here instead of waiting out their
	// timeouts.
	eventhub.Subscribe(d.hub, manager.TopicWorkerExited, func(e manager.WorkerExited) {
		d.failTasksOfWorker(e.WorkerID)
	})
	// Pick up workers created before Start was called.
	for wt, mgr := range d.managers {
		for _, inst := range mgr.Instances() {
			d.watchInstance(wt, inst.ID)
		}
	}

	d.wg.Add(1)
	go d.loop(ctx)
}

// RegisterTaskType maps taskType to the worker type that executes it. A
// task submitted for an unmapped type whose name matches a known worker
// type uses that worker type implicitly.
func (d *Dispatcher) RegisterTaskType(taskType, workerType string) {
	d.mu.Lock()
	d.taskTypeToWorkerType[taskType] = workerType
	d.mu.Unlock()
}

func (d *Dispatcher) resolveWorkerType(taskType string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if wt, ok := d.taskTypeToWorkerType[taskType]; ok {
		return wt
	}
	if _, ok := d.managers[taskType]; ok {
		return taskType
	}
	return ""
}

// Submit enqueues a task and returns its ID and a channel delivering its
// terminal Result exactly once. Most callers want the generic Submit
// package function instead, which wraps this in a typed Future.
func (d *Dispatcher) Submit(taskType string, data interface{}, opts Options, onProgress func(interface{})) (string, <-chan Result, error) {
	workerType := d.resolveWorkerType(taskType)
	if workerType == "" {
		return "", nil, fmt.Errorf("%w: %s", errs.ErrUnknownWorkerType, taskType)
	}
	opts = opts.withDefaults()

	t := &task{
		id:          idgen.TaskID(taskType),
		taskType:    taskType,
		workerType:  workerType,
		data:        data,
		opts:        opts,
		onProgress:  onProgress,
		status:      StatusQueued,
		submittedAt: time.Now(),
		resultCh:    make(chan Result, 1),
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return "", nil, errs.ErrShutdownInProgress
	}
	d.tasks[t.id] = t
	d.mu.Unlock()

	if err := d.queueFor(workerType).Enqueue(t); err != nil {
		d.mu.Lock()
		delete(d.tasks, t.id)
		d.mu.Unlock()
		return "", nil, err
	}

	eventhub.Publish(d.hub, TopicTaskQueued, TaskQueued{
		TaskID: t.id, TaskType: taskType, WorkerType: workerType, Priority: opts.Priority,
	})
	d.kick()
	return t.id, t.resultCh, nil
}

// GetStatus returns a task's current status.
func (d *Dispatcher) GetStatus(id string) (Status, bool) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, true
}

// Cancel cancels a queued or running task. It is idempotent: cancelling an
// already-terminal task is a no-op returning false.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	switch t.status {
	case StatusQueued:
		t.status = StatusCancelled
		wt := t.workerType
		t.mu.Unlock()

		d.queueFor(wt).Remove(id)
		d.resolve(t, Result{Err: errs.ErrCancelled})
		return true

	case StatusRunning:
		t.status = StatusCancelled
		workerID := t.assignedWorkerID
		wt, pr := t.workerType, t.opts.Priority
		if t.timeoutTimer != nil {
			t.timeoutTimer.Stop()
		}
		t.mu.Unlock()

		d.decLowBusy(wt, pr)
		if mgr, ok := d.managerFor(wt); ok {
			if inst, ok := mgr.Get(workerID); ok {
				_ = inst.Transport.PostPrioritized(transport.Frame{Type: transport.KindCancelTask, TaskID: id}, pr)
				// The worker stays busy, from the control plane's point of
				// view, until it confirms the cancel or the grace window
				// expires and it is replaced.
				d.armCancelGrace(wt, inst.ID, id)
			}
		}
		d.resolve(t, Result{Err: errs.ErrCancelled})
		return true

	default:
		t.mu.Unlock()
		return false
	}
}

// Shutdown stops the assignment loop and rejects/cancels all outstanding
// tasks. If force is false, running tasks are still rejected immediately
// (the Manager owns graceful per-worker draining); force only changes how
// the underlying Managers are expected to be shut down by the caller.
func (d *Dispatcher) Shutdown(force bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	pending := make([]*task, 0, len(d.tasks))
	for _, t := range d.tasks {
		pending = append(pending, t)
	}
	d.mu.Unlock()

	for _, t := range pending {
		t.mu.Lock()
		status := t.status
		workerID := t.assignedWorkerID
		wt, pr := t.workerType, t.opts.Priority
		if status == StatusQueued || status == StatusRunning {
			t.status = StatusCancelled
		}
		if t.timeoutTimer != nil {
			t.timeoutTimer.Stop()
		}
		t.mu.Unlock()

		switch status {
		case StatusQueued:
			d.queueFor(wt).Remove(t.id)
			d.resolve(t, Result{Err: errs.ErrShutdownInProgress})
		case StatusRunning:
			d.decLowBusy(wt, pr)
			if mgr, ok := d.managerFor(wt); ok {
				if inst, ok := mgr.Get(workerID); ok {
					inst.DecrementActive()
				}
			}
			d.resolve(t, Result{Err: errs.ErrShutdownInProgress})
		}
	}

	d.mu.Lock()
	pendingCancels := d.pendingCancels
	d.pendingCancels = make(map[string]*pendingCancel)
	d.mu.Unlock()
	for _, pc := range pendingCancels {
		pc.timer.Stop()
	}

	d.wg.Wait()
}

// armCancelGrace starts the grace-window timer for a cancel-task frame sent
// to workerID for taskID. If the worker doesn't confirm stopping (a
// task-completed/task-failed frame for taskID, routed through
// releaseCancelGrace) before the window elapses, the worker is terminated
// and replaced.
func (d *Dispatcher) armCancelGrace(workerType, workerID, taskID string) {
	timer := time.AfterFunc(d.graceWindow, func() { d.onCancelGraceExpired(taskID) })
	d.mu.Lock()
	d.pendingCancels[taskID] = &pendingCancel{workerType: workerType, workerID: workerID, timer: timer}
	d.mu.Unlock()
}

// releaseCancelGrace reports and clears a pending cancel-grace wait for
// taskID, if one is outstanding, stopping its timer. Callers use this to
// recognize a delayed task-completed/task-failed frame as the worker's
// confirmation that it stopped processing a cancelled or timed-out task.
func (d *Dispatcher) releaseCancelGrace(taskID string) *pendingCancel {
	d.mu.Lock()
	pc, ok := d.pendingCancels[taskID]
	if ok {
		delete(d.pendingCancels, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	pc.timer.Stop()
	return pc
}

// onCancelGraceExpired runs when a worker fails to confirm, within
// graceWindow, that it stopped processing taskID after a cancel-task frame.
// It terminates and replaces the worker.
func (d *Dispatcher) onCancelGraceExpired(taskID string) {
	pc := d.releaseCancelGrace(taskID)
	if pc == nil {
		// Already confirmed by a terminal frame; nothing to do.
		return
	}
	mgr, ok := d.managerFor(pc.workerType)
	if !ok {
		return
	}
	d.logger.Warn("worker unresponsive after cancel-task; terminating and replacing",
		zap.String("worker_type", pc.workerType),
		zap.String("worker_id", pc.workerID),
		zap.String("task_id", taskID),
	)
	ctx := context.Background()
	mgr.ReleaseWorker(ctx, pc.workerID)
	_ = mgr.EnsureMinWorkers(ctx)
}

func (d *Dispatcher) resolve(t *task, res Result) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	status := t.status
	t.mu.Unlock()

	t.resultCh <- res
	close(t.resultCh)

	topic := TopicTaskCompleted
	switch status {
	case StatusFailed:
		topic = TopicTaskFailed
	case StatusCancelled:
		topic = TopicTaskCancelled
	}
	eventhub.Publish(d.hub, topic, TaskTerminal{
		TaskID: t.id, TaskType: t.taskType, WorkerType: t.workerType, Status: status, Err: res.Err,
	})
}

func (d *Dispatcher) queueFor(workerType string) *queue.Queue[*task] {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[workerType]
	if !ok {
		q = queue.New[*task](d.maxQueueSize)
		d.queues[workerType] = q
		d.workerTypeOrder = append(d.workerTypeOrder, workerType)
	}
	return q
}

func (d *Dispatcher) managerFor(workerType string) (*manager.Manager, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mgr, ok := d.managers[workerType]
	return mgr, ok
}

// AddManager registers mgr for workerType after construction, letting a
// Pool bring up a custom worker type at runtime. Safe to call while the
// assignment loop is running.
func (d *Dispatcher) AddManager(workerType string, mgr *manager.Manager) {
	d.mu.Lock()
	d.managers[workerType] = mgr
	d.mu.Unlock()
}

// PendingQueue exposes workerType's pending-task queue as a sizer, for
// stats sampling. The queue is created on first use.
func (d *Dispatcher) PendingQueue(workerType string) interface{ Size() int } {
	return d.queueFor(workerType)
}

// AttachFrameHandler routes the frames from workerID that the Dispatcher
// does not itself consume to h. At most one handler per worker; attaching
// again replaces the previous one. The handler is detached automatically
// when the worker's transport closes.
func (d *Dispatcher) AttachFrameHandler(workerID string, h FrameHandler) {
	d.mu.Lock()
	d.frameHandlers[workerID] = h
	d.mu.Unlock()
}

// DetachFrameHandler removes workerID's attached handler, if any.
func (d *Dispatcher) DetachFrameHandler(workerID string) {
	d.mu.Lock()
	delete(d.frameHandlers, workerID)
	d.mu.Unlock()
}

func (d *Dispatcher) frameHandlerFor(workerID string) FrameHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameHandlers[workerID]
}

func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.wake:
			d.assignOnce()
		case <-ticker.C:
			d.assignOnce()
		}
	}
}

func (d *Dispatcher) assignOnce() {
	d.mu.Lock()
	order := append([]string(nil), d.workerTypeOrder...)
	d.mu.Unlock()

	for _, wt := range order {
		d.assignForWorkerType(wt)
	}
}

func (d *Dispatcher) assignForWorkerType(workerType string) {
	q := d.queueFor(workerType)
	mgr, ok := d.managerFor(workerType)
	if !ok {
		return
	}

	for q.Size() > 0 {
		inst := mgr.AcquireIdle()
		if inst == nil {
			return
		}
		t, ok := q.Dequeue()
		if !ok {
			mgr.SetStatus(inst.ID, manager.StatusIdle)
			return
		}
		if d.blockedByReserve(workerType, t) {
			mgr.SetStatus(inst.ID, manager.StatusIdle)
			_ = q.Enqueue(t)
			return
		}
		d.assign(workerType, inst, t)
	}
}

func (d *Dispatcher) assign(workerType string, inst *manager.Instance, t *task) {
	t.mu.Lock()
	if t.status == StatusCancelled {
		t.mu.Unlock()
		mgr, _ := d.managerFor(workerType)
		mgr.SetStatus(inst.ID, manager.StatusIdle)
		return
	}
	t.status = StatusRunning
	t.assignedWorkerID = inst.ID
	t.startedAt = time.Now()
	if t.opts.Timeout > 0 {
		t.timeoutTimer = time.AfterFunc(t.opts.Timeout, func() { d.onTimeout(t) })
	}
	data := t.data
	priority := t.opts.Priority
	taskID := t.id
	t.mu.Unlock()

	inst.IncrementActive()
	if d.reserve != nil && priority < d.reserve.Threshold {
		d.incLowBusy(workerType)
	}
	eventhub.Publish(d.hub, TopicTaskStarted, TaskStarted{
		TaskID: taskID, TaskType: t.taskType, WorkerType: workerType, WorkerID: inst.ID,
	})

	if err := inst.Transport.PostPrioritized(transport.Frame{
		Type:   transport.KindStartTask,
		TaskID: taskID,
		Data:   data,
	}, priority); err != nil {
		// The worker never received the task, so there is nothing to wait
		// for: free it immediately.
		d.failTask(inst, t, fmt.Errorf("%w: %s", errs.ErrWorkerCrashed, err.Error()), true)
	}
}

func (d *Dispatcher) blockedByReserve(workerType string, t *task) bool {
	if d.reserve == nil || t.opts.Priority >= d.reserve.Threshold {
		return false
	}
	mgr, ok := d.managerFor(workerType)
	if !ok {
		return false
	}
	total := mgr.Count()
	reserved := int(math.Ceil(d.reserve.Fraction * float64(total)))
	available := total - reserved
	if available <= 0 {
		return true
	}

	d.mu.Lock()
	busy := d.lowBusy[workerType]
	d.mu.Unlock()
	return busy >= available
}

func (d *Dispatcher) incLowBusy(workerType string) {
	d.mu.Lock()
	d.lowBusy[workerType]++
	d.mu.Unlock()
}

func (d *Dispatcher) decLowBusy(workerType string, priority int) {
	if d.reserve == nil || priority >= d.reserve.Threshold {
		return
	}
	d.mu.Lock()
	if d.lowBusy[workerType] > 0 {
		d.lowBusy[workerType]--
	}
	d.mu.Unlock()
}

func (d *Dispatcher) watchInstance(workerType, workerID string) {
	mgr, ok := d.managerFor(workerType)
	if !ok {
		return
	}
	inst, ok := mgr.Get(workerID)
	if !ok {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.DetachFrameHandler(inst.ID)
		for {
			select {
			case f, ok := <-inst.Transport.Messages():
				if !ok {
					return
				}
				d.handleFrame(inst, f)
			case <-inst.Done():
				return
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *Dispatcher) handleFrame(inst *manager.Instance, f transport.Frame) {
	if f.Type.IsStreamFrame() {
		if d.streamRouter != nil {
			d.streamRouter.RouteInbound(inst.ID, f)
		}
		return
	}
	switch f.Type {
	case transport.KindTaskProgress:
		d.onProgress(f.TaskID, f.Progress)
	case transport.KindTaskComplete:
		d.onTaskCompleted(inst, f.TaskID, f.Result)
	case transport.KindTaskFailed:
		d.onTaskFailed(inst, f.TaskID, f.Error)
	case transport.KindWorkerReady, transport.KindPong:
		// Lifecycle chatter; nothing to route.
	default:
		if h := d.frameHandlerFor(inst.ID); h != nil {
			h.HandleInbound(f)
			return
		}
		d.logger.Debug("ignoring unrecognized frame",
			zap.String("worker_id", inst.ID),
			zap.String("kind", string(f.Type)),
		)
	}
}

func (d *Dispatcher) onProgress(taskID string, progress interface{}) {
	eventhub.Publish(d.hub, TopicTaskProgress, TaskProgress{TaskID: taskID, Progress: progress})

	d.mu.Lock()
	t, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok || t.onProgress == nil {
		return
	}
	d.safeProgressCallback(t, progress)
}

func (d *Dispatcher) safeProgressCallback(t *task, progress interface{}) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("progress callback panicked",
				zap.String("task_id", t.id),
				zap.Any("recovered", r),
			)
		}
	}()
	t.onProgress(progress)
}

func (d *Dispatcher) onTaskCompleted(inst *manager.Instance, taskID string, result interface{}) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}

	// A delayed confirmation of a task this Dispatcher already resolved as
	// cancelled or timed out: the worker has genuinely finished with it, so
	// free it now instead of waiting out (or having already waited out) the
	// grace window.
	if pc := d.releaseCancelGrace(taskID); pc != nil {
		d.freeReleasedWorker(inst, pc.workerType)
		return
	}

	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	if t.timeoutTimer != nil {
		t.timeoutTimer.Stop()
	}
	t.status = StatusCompleted
	wt, pr := t.workerType, t.opts.Priority
	started := t.startedAt
	t.mu.Unlock()

	d.decLowBusy(wt, pr)
	inst.DecrementActive()
	inst.RecordCompletion(time.Since(started), false)
	if mgr, ok := d.managerFor(wt); ok {
		mgr.SetStatus(inst.ID, manager.StatusIdle)
	}

	d.resolve(t, Result{Value: result})
	d.kick()
}

func (d *Dispatcher) onTaskFailed(inst *manager.Instance, taskID, reason string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}

	if pc := d.releaseCancelGrace(taskID); pc != nil {
		d.freeReleasedWorker(inst, pc.workerType)
		return
	}

	d.failTask(inst, t, fmt.Errorf("dispatcher: task failed: %s", reason), true)
}

// failTasksOfWorker fails every still-running task assigned to a worker
// whose execution context has exited. The normal retry policy applies, so a
// task with retries left is re-enqueued for the replacement worker.
func (d *Dispatcher) failTasksOfWorker(workerID string) {
	d.mu.Lock()
	var affected []*task
	for _, t := range d.tasks {
		t.mu.Lock()
		if t.status == StatusRunning && t.assignedWorkerID == workerID {
			affected = append(affected, t)
		}
		t.mu.Unlock()
	}
	d.mu.Unlock()

	for _, t := range affected {
		// nil instance: the worker is gone, there is no adapter to free.
		d.failTask(nil, t, errs.ErrWorkerCrashed, true)
	}
}

// freeReleasedWorker returns inst to idle once it has confirmed (via a
// terminal frame for a taskID that was awaiting cancel-grace confirmation)
// that it stopped processing a cancelled or timed-out task.
func (d *Dispatcher) freeReleasedWorker(inst *manager.Instance, workerType string) {
	inst.DecrementActive()
	if mgr, ok := d.managerFor(workerType); ok {
		mgr.SetStatus(inst.ID, manager.StatusIdle)
	}
	d.kick()
}

func (d *Dispatcher) onTimeout(t *task) {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	workerID := t.assignedWorkerID
	wt, pr := t.workerType, t.opts.Priority
	taskID := t.id
	t.mu.Unlock()

	var inst *manager.Instance
	if mgr, ok := d.managerFor(wt); ok {
		if i, ok := mgr.Get(workerID); ok {
			inst = i
			_ = i.Transport.PostPrioritized(transport.Frame{Type: transport.KindCancelTask, TaskID: taskID}, pr)
		}
	}
	d.failTask(inst, t, errs.ErrTimeout, false)
}

// failTask applies the retry policy for a running task that failed for
// reason baseErr, whether reported by the worker or by a timeout.
// confirmed reports whether the worker is already known to have stopped
// processing the task (a genuine task-failed frame, or a send that never
// reached it at all); when false, the task's fate is still decided right
// away but the worker itself stays busy until it confirms via a delayed
// terminal frame, or the cancel grace window expires and replaces it.
func (d *Dispatcher) failTask(inst *manager.Instance, t *task, baseErr error, confirmed bool) {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	if t.timeoutTimer != nil {
		t.timeoutTimer.Stop()
	}
	wt, pr := t.workerType, t.opts.Priority
	taskID := t.id
	retry := t.retryCount < t.opts.MaxRetries
	if retry {
		t.retryCount++
		t.status = StatusQueued
		t.assignedWorkerID = ""
		t.startedAt = time.Time{}
		t.timeoutTimer = nil
	} else {
		t.status = StatusFailed
	}
	t.mu.Unlock()

	d.decLowBusy(wt, pr)
	if inst != nil {
		if confirmed {
			inst.DecrementActive()
			inst.RecordCompletion(0, true)
			if mgr, ok := d.managerFor(wt); ok {
				mgr.SetStatus(inst.ID, manager.StatusIdle)
			}
		} else {
			d.armCancelGrace(wt, inst.ID, taskID)
		}
	}

	if retry {
		_ = d.queueFor(wt).Enqueue(t)
		eventhub.Publish(d.hub, TopicTaskQueued, TaskQueued{
			TaskID: taskID, TaskType: t.taskType, WorkerType: wt, Priority: pr,
		})
		d.kick()
		return
	}
	d.resolve(t, Result{Err: baseErr})
}

// Future is the typed handle returned by the generic Submit function.
type Future[Out any] struct {
	ID       string
	resultCh <-chan Result
}

// Wait blocks until the task reaches a terminal status or ctx is done,
// decoding the worker's raw result into Out.
func (f Future[Out]) Wait(ctx context.Context) (Out, error) {
	var zero Out
	select {
	case res, ok := <-f.resultCh:
		if !ok {
			return zero, errs.ErrCancelled
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return decodeResult[Out](res.Value)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func decodeResult[Out any](v interface{}) (Out, error) {
	var out Out
	if v == nil {
		return out, nil
	}
	if typed, ok := v.(Out); ok {
		return typed, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("dispatcher: encode result: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("dispatcher: decode result: %w", err)
	}
	return out, nil
}

// Submit is the generic, typed entry point wrapping Dispatcher.Submit:
// In is the task's input payload type, Out its result type.
func Submit[In, Out any](d *Dispatcher, taskType string, data In, opts Options, onProgress func(interface{})) (Future[Out], error) {
	id, ch, err := d.Submit(taskType, data, opts, onProgress)
	if err != nil {
		return Future[Out]{}, err
	}
	return Future[Out]{ID: id, resultCh: ch}, nil
}
