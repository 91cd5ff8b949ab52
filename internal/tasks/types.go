package tasks

import (
	"time"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
)

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusError       TaskStatus = "error"
	TaskStatusInterrupted TaskStatus = "interrupted"
)

// Task is the caller-visible view of one unit of agent work. Status
// transitions are driven by the manager and by terminal events; a task is
// never mutated after reaching a terminal status.
type Task struct {
	ID        string           `json:"id"`
	Prompt    string           `json:"prompt"`
	Status    TaskStatus       `json:"status"`
	SessionID string           `json:"session_id,omitempty"`
	Model     string           `json:"model,omitempty"`
	Source    string           `json:"source,omitempty"`
	Messages  []events.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
}

func (t Task) Clone() Task {
	out := t
	if t.Messages != nil {
		out.Messages = make([]events.Message, len(t.Messages))
		copy(out.Messages, t.Messages)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusError, TaskStatusInterrupted:
		return true
	default:
		return false
	}
}

// Config carries the execution parameters of one start request.
type Config struct {
	Prompt            string
	SessionID         string
	Model             string
	Source            string
	RequireCompletion bool
}

// Callbacks is the per-task observer set. All callbacks for one task are
// invoked in event order from a single goroutine; slow callbacks delay
// only their own task. Any field may be nil.
type Callbacks struct {
	OnMessage           func(msg events.Message)
	OnProgress          func(p events.Progress)
	OnPermissionRequest func(req events.PermissionRequest)
	OnComplete          func(res events.Result)
	OnError             func(taskErr events.TaskError)
	OnStatusChange      func(status TaskStatus)
	OnTodoUpdate        func(todos []completion.TodoItem)
	OnDebug             func(entry events.DebugEntry)
}
