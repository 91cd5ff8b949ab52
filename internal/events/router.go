package events

import (
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/completion"
)

type Callbacks struct {
	OnTaskMessage       func(taskID string, msg Message)
	OnTaskProgress      func(taskID string, p Progress)
	OnPermissionRequest func(taskID string, req PermissionRequest)
	OnTaskComplete      func(taskID string, res Result)
	OnTaskError         func(taskID string, taskErr TaskError)
	OnTodoUpdate        func(taskID string, todos []completion.TodoItem)
	OnDebug             func(taskID string, entry DebugEntry)
	OnTurnSignal        func(taskID string, sig TurnSignal)
}

// Router maps a multiplexed session event stream onto per-task dispatch
// callbacks. Host clients push through Deliver; the scheduler owns the
// session registrations and the callback set.
type Router struct {
	mu        sync.RWMutex
	bySession map[string]string
	byTask    map[string]string
	callbacks Callbacks
	onDropped func(sessionID string, kind EventKind)
}

func NewRouter() *Router {
	return &Router{
		bySession: make(map[string]string),
		byTask:    make(map[string]string),
	}
}

func (r *Router) SetCallbacks(cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
}

// SetDropHandler installs an observer for events that arrive for sessions
// nobody registered. Useful for counting, never for routing.
func (r *Router) SetDropHandler(fn func(sessionID string, kind EventKind)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDropped = fn
}

func (r *Router) RegisterSession(sessionID, taskID string) {
	sessionID = strings.TrimSpace(sessionID)
	taskID = strings.TrimSpace(taskID)
	if sessionID == "" || taskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byTask[taskID]; ok {
		delete(r.bySession, prev)
	}
	r.bySession[sessionID] = taskID
	r.byTask[taskID] = sessionID
}

func (r *Router) UnregisterSession(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byTask[taskID]
	if !ok {
		return
	}
	delete(r.byTask, taskID)
	delete(r.bySession, sessionID)
}

func (r *Router) TaskForSession(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	taskID, ok := r.bySession[sessionID]
	return taskID, ok
}

func (r *Router) SessionForTask(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.byTask[taskID]
	return sessionID, ok
}

// Deliver routes one event to the callback matching its kind. Events for
// unregistered sessions are dropped. Callbacks run on the caller's
// goroutine, outside the router lock.
func (r *Router) Deliver(ev Event) {
	r.mu.RLock()
	taskID, ok := r.bySession[ev.SessionID]
	cb := r.callbacks
	onDropped := r.onDropped
	r.mu.RUnlock()

	if !ok {
		if onDropped != nil {
			onDropped(ev.SessionID, ev.Kind)
		}
		return
	}

	switch ev.Kind {
	case KindMessage:
		if cb.OnTaskMessage != nil && ev.Message != nil {
			cb.OnTaskMessage(taskID, *ev.Message)
		}
	case KindProgress:
		if cb.OnTaskProgress != nil && ev.Progress != nil {
			cb.OnTaskProgress(taskID, *ev.Progress)
		}
	case KindPermission:
		if cb.OnPermissionRequest != nil && ev.Permission != nil {
			cb.OnPermissionRequest(taskID, *ev.Permission)
		}
	case KindTodo:
		if cb.OnTodoUpdate != nil {
			cb.OnTodoUpdate(taskID, ev.Todos)
		}
	case KindDebug:
		if cb.OnDebug != nil && ev.Debug != nil {
			cb.OnDebug(taskID, *ev.Debug)
		}
	case KindTurn:
		if cb.OnTurnSignal != nil && ev.Signal != nil {
			cb.OnTurnSignal(taskID, *ev.Signal)
		}
	case KindComplete:
		if cb.OnTaskComplete != nil && ev.Result != nil {
			cb.OnTaskComplete(taskID, *ev.Result)
		}
	case KindError:
		if cb.OnTaskError != nil && ev.Err != nil {
			cb.OnTaskError(taskID, *ev.Err)
		}
	}
}
