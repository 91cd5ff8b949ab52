package events

import (
	"time"

	"github.com/agentdeck/agentdeck/internal/completion"
)

type ProgressStage string

const (
	StageStarting    ProgressStage = "starting"
	StageBrowser     ProgressStage = "browser"
	StageEnvironment ProgressStage = "environment"
)

type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Model   string    `json:"model,omitempty"`
	At      time.Time `json:"at"`
}

type Progress struct {
	Stage       ProgressStage `json:"stage"`
	Message     string        `json:"message,omitempty"`
	IsFirstTask bool          `json:"is_first_task,omitempty"`
	ModelName   string        `json:"model_name,omitempty"`
}

type PermissionRequest struct {
	PermissionID string    `json:"permission_id"`
	Tool         string    `json:"tool"`
	Description  string    `json:"description,omitempty"`
	Input        string    `json:"input,omitempty"`
	At           time.Time `json:"at"`
}

type Result struct {
	Summary    string    `json:"summary,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	At         time.Time `json:"at"`
}

type TaskError struct {
	Message     string    `json:"message"`
	Interrupted bool      `json:"interrupted,omitempty"`
	At          time.Time `json:"at"`
}

type DebugEntry struct {
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type TurnSignalKind string

const (
	SignalToolUsed     TurnSignalKind = "tool_used"
	SignalStepFinished TurnSignalKind = "step_finished"
	SignalDetection    TurnSignalKind = "task_detection"
)

type TurnSignal struct {
	Kind                  TurnSignalKind        `json:"kind"`
	Tool                  string                `json:"tool,omitempty"`
	CountsForContinuation bool                  `json:"counts_for_continuation,omitempty"`
	FinishReason          string                `json:"finish_reason,omitempty"`
	Detection             *completion.Detection `json:"detection,omitempty"`
}

type EventKind string

const (
	KindMessage    EventKind = "message"
	KindProgress   EventKind = "progress"
	KindPermission EventKind = "permission_request"
	KindTodo       EventKind = "todo_update"
	KindDebug      EventKind = "debug"
	KindTurn       EventKind = "turn_signal"
	KindComplete   EventKind = "complete"
	KindError      EventKind = "error"
)

// Event is one host-side occurrence, tagged by the session it belongs to.
// Exactly one payload field matching Kind is set.
type Event struct {
	SessionID  string
	Kind       EventKind
	Message    *Message
	Progress   *Progress
	Permission *PermissionRequest
	Todos      []completion.TodoItem
	Debug      *DebugEntry
	Signal     *TurnSignal
	Result     *Result
	Err        *TaskError
}
