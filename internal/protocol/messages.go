// Package protocol defines the websocket envelopes the daemon streams to
// attached shells on /v1/stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeTaskStatus        MessageType = "task_status"
	TypeTaskMessage       MessageType = "task_message"
	TypeTaskProgress      MessageType = "task_progress"
	TypePermissionRequest MessageType = "permission_request"
	TypeTaskComplete      MessageType = "task_complete"
	TypeTaskError         MessageType = "task_error"
	TypeTodoUpdate        MessageType = "todo_update"
	TypeDebugEvent        MessageType = "debug_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type TaskStatus struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
	TSMs   int64       `json:"ts_ms"`
}

type TaskMessage struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Role    string      `json:"role"`
	Content string      `json:"content"`
	Model   string      `json:"model,omitempty"`
	TSMs    int64       `json:"ts_ms"`
}

type TaskProgress struct {
	Type        MessageType `json:"type"`
	TaskID      string      `json:"task_id"`
	Stage       string      `json:"stage"`
	Message     string      `json:"message,omitempty"`
	IsFirstTask bool        `json:"is_first_task,omitempty"`
	ModelName   string      `json:"model_name,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type PermissionRequest struct {
	Type         MessageType `json:"type"`
	TaskID       string      `json:"task_id"`
	PermissionID string      `json:"permission_id"`
	Tool         string      `json:"tool"`
	Description  string      `json:"description,omitempty"`
	Input        string      `json:"input,omitempty"`
	AutoRejected bool        `json:"auto_rejected,omitempty"`
	TSMs         int64       `json:"ts_ms"`
}

type TaskComplete struct {
	Type       MessageType `json:"type"`
	TaskID     string      `json:"task_id"`
	Summary    string      `json:"summary,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	TSMs       int64       `json:"ts_ms"`
}

type TaskError struct {
	Type        MessageType `json:"type"`
	TaskID      string      `json:"task_id"`
	Message     string      `json:"message"`
	Interrupted bool        `json:"interrupted,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type TodoUpdate struct {
	Type   MessageType           `json:"type"`
	TaskID string                `json:"task_id"`
	Todos  []completion.TodoItem `json:"todos"`
	TSMs   int64                 `json:"ts_ms"`
}

type DebugEvent struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Level   string      `json:"level,omitempty"`
	Message string      `json:"message"`
	TSMs    int64       `json:"ts_ms"`
}

func NewTaskStatus(taskID, status string) TaskStatus {
	return TaskStatus{Type: TypeTaskStatus, TaskID: taskID, Status: status, TSMs: nowMS()}
}

func NewTaskMessage(taskID string, msg events.Message) TaskMessage {
	return TaskMessage{
		Type:    TypeTaskMessage,
		TaskID:  taskID,
		Role:    msg.Role,
		Content: msg.Content,
		Model:   msg.Model,
		TSMs:    tsMS(msg.At),
	}
}

func NewTaskProgress(taskID string, p events.Progress) TaskProgress {
	return TaskProgress{
		Type:        TypeTaskProgress,
		TaskID:      taskID,
		Stage:       string(p.Stage),
		Message:     p.Message,
		IsFirstTask: p.IsFirstTask,
		ModelName:   p.ModelName,
		TSMs:        nowMS(),
	}
}

func NewPermissionRequest(taskID string, req events.PermissionRequest, autoRejected bool) PermissionRequest {
	return PermissionRequest{
		Type:         TypePermissionRequest,
		TaskID:       taskID,
		PermissionID: req.PermissionID,
		Tool:         req.Tool,
		Description:  req.Description,
		Input:        req.Input,
		AutoRejected: autoRejected,
		TSMs:         tsMS(req.At),
	}
}

func NewTaskComplete(taskID string, res events.Result) TaskComplete {
	return TaskComplete{
		Type:       TypeTaskComplete,
		TaskID:     taskID,
		Summary:    res.Summary,
		DurationMS: res.DurationMS,
		TSMs:       tsMS(res.At),
	}
}

func NewTaskError(taskID string, taskErr events.TaskError) TaskError {
	return TaskError{
		Type:        TypeTaskError,
		TaskID:      taskID,
		Message:     taskErr.Message,
		Interrupted: taskErr.Interrupted,
		TSMs:        tsMS(taskErr.At),
	}
}

func NewTodoUpdate(taskID string, todos []completion.TodoItem) TodoUpdate {
	return TodoUpdate{Type: TypeTodoUpdate, TaskID: taskID, Todos: todos, TSMs: nowMS()}
}

func NewDebugEvent(taskID string, entry events.DebugEntry) DebugEvent {
	return DebugEvent{
		Type:    TypeDebugEvent,
		TaskID:  taskID,
		Level:   entry.Level,
		Message: entry.Message,
		TSMs:    tsMS(entry.At),
	}
}

// ParseServerMessage decodes one streamed envelope into its typed form.
// Consumers that only care about some types should errors.Is against
// ErrUnsupportedType and skip.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTaskStatus:
		var msg TaskStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Status == "" {
			return nil, errors.New("invalid task_status")
		}
		return msg, nil
	case TypeTaskMessage:
		var msg TaskMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task_message")
		}
		return msg, nil
	case TypeTaskProgress:
		var msg TaskProgress
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Stage == "" {
			return nil, errors.New("invalid task_progress")
		}
		return msg, nil
	case TypePermissionRequest:
		var msg PermissionRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.PermissionID == "" {
			return nil, errors.New("invalid permission_request")
		}
		return msg, nil
	case TypeTaskComplete:
		var msg TaskComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task_complete")
		}
		return msg, nil
	case TypeTaskError:
		var msg TaskError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Message == "" {
			return nil, errors.New("invalid task_error")
		}
		return msg, nil
	case TypeTodoUpdate:
		var msg TodoUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid todo_update")
		}
		return msg, nil
	case TypeDebugEvent:
		var msg DebugEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid debug_event")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }

func tsMS(t time.Time) int64 {
	if t.IsZero() {
		return nowMS()
	}
	return t.UnixMilli()
}
