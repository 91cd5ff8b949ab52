// Package tasks schedules agent work against a bounded pool of concurrent
// sessions. A Manager admits tasks up to a concurrency limit, queues the
// overflow in FIFO order, and drives each running task from a dedicated
// mailbox goroutine so callbacks for one task are always delivered in
// event order.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/agenthost"
	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/history"
	"github.com/agentdeck/agentdeck/internal/observability"
	"github.com/agentdeck/agentdeck/internal/turn"
)

const (
	// DefaultMaxConcurrentTasks bounds simultaneous sessions when the
	// configuration does not say otherwise.
	DefaultMaxConcurrentTasks = 10

	// taskMailboxSize is the per-task event buffer. Once it fills, inbound
	// dispatch waits up to defaultDispatchTimeout and then drops the
	// event, so a stalled consumer cannot hold up delivery to siblings.
	taskMailboxSize = 64

	// defaultDispatchTimeout bounds the wait on a full mailbox. Terminal
	// events are exempt and block until delivered.
	defaultDispatchTimeout = 5 * time.Second

	persistTimeout = 2 * time.Second
)

var (
	ErrDuplicateTask = errors.New("task id is already active or queued")
	ErrQueueFull     = errors.New("task queue is full")
	ErrTaskNotFound  = errors.New("task not found")
)

// managedTask is the manager's private record of one admitted task. The
// mailbox goroutine owns the driver and the terminal transition; the task
// snapshot and timestamps are guarded by the manager mutex.
type managedTask struct {
	taskID    string
	cfg       Config
	cb        Callbacks
	createdAt time.Time
	startedAt time.Time

	task   *Task
	driver *turn.Driver

	mailbox    chan events.Event
	done       chan struct{}
	finishOnce sync.Once

	// Written by driver callbacks while HandleSignal runs on the mailbox
	// goroutine, inspected right after it returns.
	driverSummary *string
	driverErr     error

	setupDoneAt    time.Time
	firstMessageAt time.Time
}

// deliver hands an event to the task's mailbox. It returns without
// delivering once the task is finished, so late producers never block on a
// mailbox nobody drains.
func (mt *managedTask) deliver(ev events.Event) {
	select {
	case mt.mailbox <- ev:
	case <-mt.done:
	}
}

// deliverTimeout is deliver with a bounded wait. It reports false only
// when the mailbox stayed full for the whole duration; a task that
// finished in the meantime counts as handled.
func (mt *managedTask) deliverTimeout(ev events.Event, d time.Duration) bool {
	select {
	case mt.mailbox <- ev:
		return true
	case <-mt.done:
		return true
	default:
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case mt.mailbox <- ev:
		return true
	case <-mt.done:
		return true
	case <-timer.C:
		return false
	}
}

func (mt *managedTask) finish() {
	mt.finishOnce.Do(func() { close(mt.done) })
}

type queuedTask struct {
	taskID    string
	cfg       Config
	cb        Callbacks
	createdAt time.Time
}

type Options struct {
	MaxConcurrentTasks int
	MaxContinuations   int
	Client             agenthost.Client
	Router             *events.Router
	History            history.Store
	Metrics            *observability.Metrics
	Stages             *observability.StageWindow
}

// Manager is the task scheduler. All exported methods are safe for
// concurrent use.
type Manager struct {
	maxConcurrent    int
	maxContinuations int
	dispatchTimeout  time.Duration
	client           agenthost.Client
	router           *events.Router
	store            history.Store
	metrics          *observability.Metrics
	stages           *observability.StageWindow

	routerOnce sync.Once

	mu          sync.RWMutex
	active      map[string]*managedTask
	activeOrder []string
	queue       []*queuedTask
	firstTask   bool
	browserSent bool
	disposed    bool
}

func NewManager(opts Options) *Manager {
	maxConcurrent := opts.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentTasks
	}
	return &Manager{
		maxConcurrent:    maxConcurrent,
		maxContinuations: opts.MaxContinuations,
		dispatchTimeout:  defaultDispatchTimeout,
		client:           opts.Client,
		router:           opts.Router,
		store:            opts.History,
		metrics:          opts.Metrics,
		stages:           opts.Stages,
		active:           make(map[string]*managedTask),
		firstTask:        true,
	}
}

// StartTask admits a task. Below the concurrency limit it starts executing
// immediately and the returned snapshot is already running; otherwise the
// task is queued FIFO, with one queue slot per concurrency slot. Task ids
// must be unique across the active set and the queue.
func (m *Manager) StartTask(ctx context.Context, taskID string, cfg Config, cb Callbacks) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, errors.New("task id is required")
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		return Task{}, errors.New("task prompt is required")
	}

	now := time.Now()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return Task{}, errors.New("task manager is disposed")
	}
	if _, running := m.active[taskID]; running || m.queueIndexLocked(taskID) >= 0 {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("start task %s: %w", taskID, ErrDuplicateTask)
	}

	if len(m.active) < m.maxConcurrent {
		mt := m.insertLocked(taskID, cfg, cb, now)
		snapshot := mt.task.Clone()
		m.mu.Unlock()

		m.countStarted(cfg.Source)
		m.syncGauges()
		m.persist(historyRecord(snapshot, "", nil))
		m.beginExecution(mt)
		return snapshot, nil
	}

	if len(m.queue) >= m.maxConcurrent {
		m.mu.Unlock()
		return Task{}, fmt.Errorf("start task %s: %w", taskID, ErrQueueFull)
	}
	m.queue = append(m.queue, &queuedTask{taskID: taskID, cfg: cfg, cb: cb, createdAt: now})
	m.mu.Unlock()

	m.countStarted(cfg.Source)
	m.syncGauges()
	snapshot := Task{
		ID:        taskID,
		Prompt:    cfg.Prompt,
		Status:    TaskStatusQueued,
		Model:     cfg.Model,
		Source:    cfg.Source,
		CreatedAt: now,
	}
	m.persist(historyRecord(snapshot, "", nil))
	return snapshot, nil
}

// CancelTask stops a task wherever it is. A queued task is removed without
// ever touching the agent host; a running task has its session aborted, is
// marked interrupted, and frees its slot. No terminal callback fires for a
// cancellation requested by the caller.
func (m *Manager) CancelTask(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if m.CancelQueuedTask(taskID) {
		return nil
	}

	m.mu.RLock()
	mt := m.active[taskID]
	var sessionID string
	if mt != nil {
		sessionID = mt.task.SessionID
	}
	m.mu.RUnlock()
	if mt == nil {
		return fmt.Errorf("cancel task %s: %w", taskID, ErrTaskNotFound)
	}

	if sessionID != "" {
		if err := m.client.Abort(ctx, sessionID); err != nil {
			log.Printf("tasks: abort for cancelled task %s failed: %v", taskID, err)
		}
	}

	m.mu.Lock()
	mt.task.Status = TaskStatusInterrupted
	m.mu.Unlock()

	if m.removeActive(mt) {
		m.accountFinished(mt, "cancelled by caller")
	}
	mt.finish()
	m.syncGauges()
	m.processQueue()
	return nil
}

// InterruptTask asks the agent host to abort the task's session but keeps
// the task registered; the host confirms the interruption with an error
// event, which is what moves the task to its terminal state.
func (m *Manager) InterruptTask(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	m.mu.RLock()
	mt := m.active[taskID]
	var sessionID string
	if mt != nil {
		sessionID = mt.task.SessionID
	}
	m.mu.RUnlock()
	if mt == nil {
		return fmt.Errorf("interrupt task %s: %w", taskID, ErrTaskNotFound)
	}
	if sessionID == "" {
		return fmt.Errorf("interrupt task %s: session not established yet", taskID)
	}
	if err := m.client.Abort(ctx, sessionID); err != nil {
		log.Printf("tasks: interrupt abort for task %s failed: %v", taskID, err)
	}
	return nil
}

// CancelQueuedTask removes a task from the wait queue. It reports whether
// the task was queued; running tasks are untouched.
func (m *Manager) CancelQueuedTask(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	m.mu.Lock()
	idx := m.queueIndexLocked(taskID)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
	m.mu.Unlock()
	m.syncGauges()
	return true
}

// SendResponse resolves a pending permission request. Any response other
// than "no" accepts the permission once. Calls without a permission id are
// ignored, since there is nothing to resolve.
func (m *Manager) SendResponse(ctx context.Context, taskID, response, permissionID string) error {
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return nil
	}

	taskID = strings.TrimSpace(taskID)
	m.mu.RLock()
	mt := m.active[taskID]
	var sessionID string
	if mt != nil {
		sessionID = mt.task.SessionID
	}
	m.mu.RUnlock()
	if mt == nil {
		return fmt.Errorf("respond to task %s: %w", taskID, ErrTaskNotFound)
	}
	if sessionID == "" {
		return fmt.Errorf("respond to task %s: session not established yet", taskID)
	}

	decision := agenthost.DecisionAcceptOnce
	if strings.EqualFold(strings.TrimSpace(response), "no") {
		decision = agenthost.DecisionReject
	}
	if m.metrics != nil {
		m.metrics.PermissionDecisions.WithLabelValues(string(decision)).Inc()
	}
	return m.client.ResolvePermission(ctx, sessionID, permissionID, decision)
}

func (m *Manager) HasRunningTask() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active) > 0
}

func (m *Manager) IsTaskQueued(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queueIndexLocked(strings.TrimSpace(taskID)) >= 0
}

// QueuePosition returns the 1-based position of a queued task, or 0 when
// the task is not queued.
func (m *Manager) QueuePosition(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queueIndexLocked(strings.TrimSpace(taskID)) + 1
}

func (m *Manager) QueueLength() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// SessionID returns the session bound to a running task, or "" while the
// session is still being established.
func (m *Manager) SessionID(taskID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mt, ok := m.active[strings.TrimSpace(taskID)]; ok {
		return mt.task.SessionID
	}
	return ""
}

// HasActiveTask reports whether the task holds a concurrency slot. Queued
// tasks are not active; IsTaskQueued covers those.
func (m *Manager) HasActiveTask(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[taskID]
	return ok
}

func (m *Manager) ActiveTaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ActiveTaskIDs lists running task ids in admission order.
func (m *Manager) ActiveTaskIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.activeOrder))
	copy(out, m.activeOrder)
	return out
}

// ActiveTaskID returns the oldest running task id, or "" when idle.
func (m *Manager) ActiveTaskID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.activeOrder) == 0 {
		return ""
	}
	return m.activeOrder[0]
}

func (m *Manager) GetTask(taskID string) (Task, bool) {
	taskID = strings.TrimSpace(taskID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mt, ok := m.active[taskID]; ok {
		return mt.task.Clone(), true
	}
	for _, qt := range m.queue {
		if qt.taskID == taskID {
			return queuedSnapshot(qt), true
		}
	}
	return Task{}, false
}

// ListTasks returns running tasks in admission order followed by queued
// tasks in queue order.
func (m *Manager) ListTasks() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.activeOrder)+len(m.queue))
	for _, id := range m.activeOrder {
		if mt, ok := m.active[id]; ok {
			out = append(out, mt.task.Clone())
		}
	}
	for _, qt := range m.queue {
		out = append(out, queuedSnapshot(qt))
	}
	return out
}

// Dispose drops the queue and releases every running task without firing
// terminal callbacks or contacting the agent host. The manager accepts no
// further work afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.queue = nil
	released := make([]*managedTask, 0, len(m.active))
	for _, mt := range m.active {
		released = append(released, mt)
	}
	m.active = make(map[string]*managedTask)
	m.activeOrder = nil
	m.mu.Unlock()

	for _, mt := range released {
		m.router.UnregisterSession(mt.taskID)
		mt.finish()
	}
	m.syncGauges()
}

func (m *Manager) queueIndexLocked(taskID string) int {
	for i, qt := range m.queue {
		if qt.taskID == taskID {
			return i
		}
	}
	return -1
}

func (m *Manager) insertLocked(taskID string, cfg Config, cb Callbacks, createdAt time.Time) *managedTask {
	mt := &managedTask{
		taskID:    taskID,
		cfg:       cfg,
		cb:        cb,
		createdAt: createdAt,
		startedAt: time.Now(),
		task: &Task{
			ID:        taskID,
			Prompt:    cfg.Prompt,
			Status:    TaskStatusRunning,
			SessionID: strings.TrimSpace(cfg.SessionID),
			Model:     cfg.Model,
			Source:    cfg.Source,
			CreatedAt: createdAt,
		},
		mailbox: make(chan events.Event, taskMailboxSize),
		done:    make(chan struct{}),
	}
	m.active[taskID] = mt
	m.activeOrder = append(m.activeOrder, taskID)
	return mt
}

// processQueue promotes queued tasks into free slots. Safe to call at any
// time; it is a no-op when the pool is full or the queue is empty.
func (m *Manager) processQueue() {
	for {
		m.mu.Lock()
		if m.disposed || len(m.queue) == 0 || len(m.active) >= m.maxConcurrent {
			m.mu.Unlock()
			return
		}
		qt := m.queue[0]
		m.queue = m.queue[1:]
		mt := m.insertLocked(qt.taskID, qt.cfg, qt.cb, qt.createdAt)
		snapshot := mt.task.Clone()
		m.mu.Unlock()

		m.syncGauges()
		if qt.cb.OnStatusChange != nil {
			qt.cb.OnStatusChange(TaskStatusRunning)
		}
		m.persist(historyRecord(snapshot, "", nil))
		m.beginExecution(mt)
	}
}

func (m *Manager) beginExecution(mt *managedTask) {
	m.initRouter()
	go m.runMailbox(mt)
	go m.runSetup(mt)
}

// runSetup establishes the session and dispatches the initial prompt.
// Failures are delivered into the mailbox as error events so the terminal
// path is the same no matter where a task dies.
func (m *Manager) runSetup(mt *managedTask) {
	ctx := context.Background()

	sessionID := strings.TrimSpace(mt.cfg.SessionID)
	created := false
	if sessionID == "" {
		fresh, err := m.client.CreateSession(ctx)
		if err != nil {
			mt.deliver(setupError("create session", err))
			return
		}
		sessionID = fresh
		created = true
	}

	if !m.bindSession(mt, sessionID) {
		// The task was cancelled before the session came up.
		if created {
			if err := m.client.Abort(ctx, sessionID); err != nil {
				log.Printf("tasks: abort of orphaned session %s failed: %v", sessionID, err)
			}
		}
		return
	}

	mt.deliver(events.Event{
		SessionID: sessionID,
		Kind:      events.KindProgress,
		Progress: &events.Progress{
			Stage:       events.StageStarting,
			IsFirstTask: m.isFirstTask(),
			ModelName:   mt.cfg.Model,
		},
	})

	if m.claimBrowserNotice() {
		mt.deliver(events.Event{
			SessionID: sessionID,
			Kind:      events.KindProgress,
			Progress: &events.Progress{
				Stage:       events.StageBrowser,
				Message:     "preparing browser environment",
				IsFirstTask: true,
			},
		})
	}

	if err := m.ensureHostReady(ctx); err != nil {
		mt.deliver(setupError("prepare agent host", err))
		return
	}
	m.clearFirstTask()

	mt.deliver(events.Event{
		SessionID: sessionID,
		Kind:      events.KindProgress,
		Progress:  &events.Progress{Stage: events.StageEnvironment},
	})

	m.mu.Lock()
	mt.setupDoneAt = time.Now()
	m.mu.Unlock()

	if err := m.client.Prompt(ctx, sessionID, mt.cfg.Prompt); err != nil {
		mt.deliver(setupError("dispatch prompt", err))
	}
}

// bindSession records the session on the task and claims the session id in
// the router. It reports false when the task is no longer active.
func (m *Manager) bindSession(mt *managedTask, sessionID string) bool {
	m.mu.Lock()
	cur, ok := m.active[mt.taskID]
	if !ok || cur != mt {
		m.mu.Unlock()
		return false
	}
	mt.task.SessionID = sessionID
	m.mu.Unlock()
	m.router.RegisterSession(sessionID, mt.taskID)
	return true
}

func (m *Manager) ensureHostReady(ctx context.Context) error {
	r, ok := m.client.(agenthost.Readier)
	if !ok {
		return nil
	}
	return r.EnsureReady(ctx)
}

func (m *Manager) isFirstTask() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstTask
}

func (m *Manager) clearFirstTask() {
	m.mu.Lock()
	m.firstTask = false
	m.mu.Unlock()
}

// claimBrowserNotice is true exactly once per process.
func (m *Manager) claimBrowserNotice() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserSent {
		return false
	}
	m.browserSent = true
	return true
}

// initRouter wires the event router into the manager. Runs once, on the
// first task that begins executing.
func (m *Manager) initRouter() {
	m.routerOnce.Do(func() {
		m.router.SetDropHandler(func(sessionID string, kind events.EventKind) {
			log.Printf("tasks: dropping %s event for unclaimed session %s", kind, sessionID)
			if m.metrics != nil {
				m.metrics.EventsDropped.Inc()
			}
		})
		m.router.SetCallbacks(events.Callbacks{
			OnTaskMessage: func(taskID string, msg events.Message) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindMessage, Message: &msg})
			},
			OnTaskProgress: func(taskID string, p events.Progress) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindProgress, Progress: &p})
			},
			OnPermissionRequest: func(taskID string, req events.PermissionRequest) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindPermission, Permission: &req})
			},
			OnTodoUpdate: func(taskID string, todos []completion.TodoItem) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindTodo, Todos: todos})
			},
			OnDebug: func(taskID string, entry events.DebugEntry) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindDebug, Debug: &entry})
			},
			OnTurnSignal: func(taskID string, sig events.TurnSignal) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindTurn, Signal: &sig})
			},
			OnTaskComplete: func(taskID string, res events.Result) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindComplete, Result: &res})
			},
			OnTaskError: func(taskID string, taskErr events.TaskError) {
				m.dispatchEvent(taskID, events.Event{Kind: events.KindError, Err: &taskErr})
			},
		})
	})
}

func (m *Manager) dispatchEvent(taskID string, ev events.Event) {
	m.mu.RLock()
	mt := m.active[taskID]
	m.mu.RUnlock()
	if mt == nil {
		log.Printf("tasks: dropping %s event for unknown task %s", ev.Kind, taskID)
		if m.metrics != nil {
			m.metrics.EventsDropped.Inc()
		}
		return
	}

	// Terminal events block: a task must always reach its terminal state.
	// Everything else waits out at most dispatchTimeout, so one task's
	// full mailbox cannot stall dispatch for its siblings.
	if ev.Kind == events.KindComplete || ev.Kind == events.KindError {
		mt.deliver(ev)
	} else if !mt.deliverTimeout(ev, m.dispatchTimeout) {
		log.Printf("tasks: dropping %s event for task %s, mailbox full for %s", ev.Kind, taskID, m.dispatchTimeout)
		if m.metrics != nil {
			m.metrics.EventsDropped.Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// runMailbox drains one task's mailbox until a terminal event, then closes
// the task down. Exiting right after the terminal event guarantees nothing
// is delivered past it.
func (m *Manager) runMailbox(mt *managedTask) {
	for {
		select {
		case <-mt.done:
			return
		case ev := <-mt.mailbox:
			if m.handleEvent(mt, ev) {
				mt.finish()
				return
			}
		}
	}
}

// handleEvent runs on the task's mailbox goroutine and reports whether the
// event was terminal.
func (m *Manager) handleEvent(mt *managedTask, ev events.Event) bool {
	switch ev.Kind {
	case events.KindMessage:
		m.mu.Lock()
		mt.task.Messages = append(mt.task.Messages, *ev.Message)
		if mt.firstMessageAt.IsZero() {
			mt.firstMessageAt = time.Now()
		}
		m.mu.Unlock()
		if mt.cb.OnMessage != nil {
			mt.cb.OnMessage(*ev.Message)
		}
	case events.KindProgress:
		if mt.cb.OnProgress != nil {
			mt.cb.OnProgress(*ev.Progress)
		}
	case events.KindPermission:
		if mt.cb.OnPermissionRequest != nil {
			mt.cb.OnPermissionRequest(*ev.Permission)
		}
	case events.KindTodo:
		m.driverFor(mt).UpdateTodos(ev.Todos)
		if mt.cb.OnTodoUpdate != nil {
			mt.cb.OnTodoUpdate(ev.Todos)
		}
	case events.KindDebug:
		if mt.cb.OnDebug != nil {
			mt.cb.OnDebug(*ev.Debug)
		}
	case events.KindTurn:
		m.driverFor(mt).HandleSignal(context.Background(), *ev.Signal)
		if mt.driverErr != nil {
			m.finishWithError(mt, events.TaskError{Message: mt.driverErr.Error()})
			return true
		}
		if mt.driverSummary != nil {
			m.finishWithResult(mt, events.Result{Summary: *mt.driverSummary})
			return true
		}
	case events.KindComplete:
		m.finishWithResult(mt, *ev.Result)
		return true
	case events.KindError:
		m.finishWithError(mt, *ev.Err)
		return true
	default:
		log.Printf("tasks: unhandled %s event for task %s", ev.Kind, mt.taskID)
	}
	return false
}

// driverFor lazily builds the task's turn driver. Only the mailbox
// goroutine calls it, so the driver itself needs no locking.
func (m *Manager) driverFor(mt *managedTask) *turn.Driver {
	if mt.driver != nil {
		return mt.driver
	}
	mt.driver = turn.New(turn.Options{
		TaskID:            mt.taskID,
		SessionID:         m.SessionID(mt.taskID),
		Prompter:          m.client,
		RequireCompletion: mt.cfg.RequireCompletion,
		MaxContinuations:  m.maxContinuations,
		OnComplete: func(summary string) {
			s := summary
			mt.driverSummary = &s
		},
		OnError: func(err error) {
			mt.driverErr = err
		},
		OnContinuation: func() {
			if m.metrics != nil {
				m.metrics.Continuations.Inc()
			}
		},
		Debugf: func(format string, args ...any) {
			if mt.cb.OnDebug == nil {
				return
			}
			mt.cb.OnDebug(events.DebugEntry{
				Level:   "debug",
				Message: fmt.Sprintf(format, args...),
				At:      time.Now(),
			})
		},
	})
	return mt.driver
}

func (m *Manager) finishWithResult(mt *managedTask, res events.Result) {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	if res.DurationMS == 0 {
		res.DurationMS = time.Since(mt.createdAt).Milliseconds()
	}
	m.mu.Lock()
	mt.task.Status = TaskStatusCompleted
	m.mu.Unlock()
	if mt.cb.OnComplete != nil {
		mt.cb.OnComplete(res)
	}
	m.finalize(mt, res.Summary)
}

func (m *Manager) finishWithError(mt *managedTask, taskErr events.TaskError) {
	if taskErr.At.IsZero() {
		taskErr.At = time.Now()
	}
	status := TaskStatusError
	if taskErr.Interrupted {
		status = TaskStatusInterrupted
	}
	m.mu.Lock()
	mt.task.Status = status
	m.mu.Unlock()
	if mt.cb.OnError != nil {
		mt.cb.OnError(taskErr)
	}
	m.finalize(mt, taskErr.Message)
}

// finalize releases the task's slot. Terminal callbacks have already fired
// by the time it runs.
func (m *Manager) finalize(mt *managedTask, summary string) {
	if m.removeActive(mt) {
		m.accountFinished(mt, summary)
	}
	m.syncGauges()
	m.processQueue()
}

// removeActive deletes the task from the active set. It reports true only
// for the single caller that actually removed it, which keeps terminal
// accounting exactly-once even when a cancel races the terminal event.
func (m *Manager) removeActive(mt *managedTask) bool {
	m.mu.Lock()
	cur, ok := m.active[mt.taskID]
	if !ok || cur != mt {
		m.mu.Unlock()
		return false
	}
	delete(m.active, mt.taskID)
	for i, id := range m.activeOrder {
		if id == mt.taskID {
			m.activeOrder = append(m.activeOrder[:i], m.activeOrder[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.router.UnregisterSession(mt.taskID)
	return true
}

func (m *Manager) accountFinished(mt *managedTask, summary string) {
	now := time.Now()
	m.mu.RLock()
	snapshot := mt.task.Clone()
	startedAt := mt.startedAt
	setupDoneAt := mt.setupDoneAt
	firstMessageAt := mt.firstMessageAt
	m.mu.RUnlock()

	if m.metrics != nil {
		m.metrics.TasksFinished.WithLabelValues(sourceLabel(snapshot.Source), string(snapshot.Status)).Inc()
		m.metrics.ObserveQueueWait(startedAt.Sub(mt.createdAt))
		if !setupDoneAt.IsZero() {
			m.metrics.ObserveSetup(setupDoneAt.Sub(startedAt))
		}
	}
	if m.stages != nil {
		m.stages.ObserveDuration(observability.StageQueueWait, startedAt.Sub(mt.createdAt))
		if !setupDoneAt.IsZero() {
			m.stages.ObserveDuration(observability.StageSetup, setupDoneAt.Sub(startedAt))
		}
		if !firstMessageAt.IsZero() {
			m.stages.ObserveDuration(observability.StageFirstMessage, firstMessageAt.Sub(startedAt))
		}
		m.stages.ObserveDuration(observability.StageTotal, now.Sub(mt.createdAt))
	}

	finished := now
	m.persist(historyRecord(snapshot, summary, &finished))
}

func (m *Manager) countStarted(source string) {
	if m.metrics != nil {
		m.metrics.TasksStarted.WithLabelValues(sourceLabel(source)).Inc()
	}
}

func (m *Manager) syncGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	active := len(m.active)
	queued := len(m.queue)
	m.mu.RUnlock()
	m.metrics.ActiveTasks.Set(float64(active))
	m.metrics.QueueDepth.Set(float64(queued))
}

// persist writes a history record without blocking the caller. History is
// best effort; failures are logged and dropped.
func (m *Manager) persist(rec history.Record) {
	if m.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.store.SaveTask(ctx, rec); err != nil {
			log.Printf("tasks: persist task %s failed: %v", rec.TaskID, err)
		}
	}()
}

func setupError(stage string, err error) events.Event {
	return events.Event{
		Kind: events.KindError,
		Err: &events.TaskError{
			Message: fmt.Sprintf("%s: %v", stage, err),
			At:      time.Now(),
		},
	}
}

func queuedSnapshot(qt *queuedTask) Task {
	return Task{
		ID:        qt.taskID,
		Prompt:    qt.cfg.Prompt,
		Status:    TaskStatusQueued,
		Model:     qt.cfg.Model,
		Source:    qt.cfg.Source,
		CreatedAt: qt.createdAt,
	}
}

func historyRecord(task Task, summary string, finished *time.Time) history.Record {
	msgs := make([]history.Message, 0, len(task.Messages))
	for _, msg := range task.Messages {
		msgs = append(msgs, history.Message{Role: msg.Role, Content: msg.Content, At: msg.At})
	}
	return history.Record{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Prompt:     task.Prompt,
		Model:      task.Model,
		Source:     task.Source,
		Status:     string(task.Status),
		Summary:    summary,
		CreatedAt:  task.CreatedAt,
		FinishedAt: finished,
		Messages:   msgs,
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return "api"
	}
	return source
}
