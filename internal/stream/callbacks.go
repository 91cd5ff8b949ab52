package stream

import (
	"context"
	"log"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/tasks"
)

// Responder resolves permission requests on the task's behalf;
// *tasks.Manager implements it.
type Responder interface {
	SendResponse(ctx context.Context, taskID, response, permissionID string) error
}

type CallbackOptions struct {
	// Gate screens permission requests; matches are rejected through the
	// Responder without waiting for the shell.
	Gate      *policy.Gate
	Responder Responder

	// RedactPII scrubs message and permission text before broadcast.
	RedactPII bool
}

// Callbacks adapts one task's callback set into protocol envelopes on the
// hub. The callbacks run on the task's mailbox goroutine, so everything
// here must stay non-blocking.
func Callbacks(hub *Hub, taskID string, opts CallbackOptions) tasks.Callbacks {
	return tasks.Callbacks{
		OnMessage: func(msg events.Message) {
			if opts.RedactPII {
				msg.Content, _ = policy.RedactPII(msg.Content)
			}
			hub.Broadcast(protocol.NewTaskMessage(taskID, msg))
		},
		OnProgress: func(p events.Progress) {
			hub.Broadcast(protocol.NewTaskProgress(taskID, p))
		},
		OnPermissionRequest: func(req events.PermissionRequest) {
			autoRejected := false
			if opts.Gate != nil {
				if v := opts.Gate.Evaluate(req); v.AutoReject {
					autoRejected = true
					log.Printf("stream: auto-rejecting permission %s for task %s: %s", req.PermissionID, taskID, v.Reason)
					if opts.Responder != nil {
						go func() {
							if err := opts.Responder.SendResponse(context.Background(), taskID, "no", req.PermissionID); err != nil {
								log.Printf("stream: auto-reject response for task %s failed: %v", taskID, err)
							}
						}()
					}
				}
			}
			if opts.RedactPII {
				req.Input, _ = policy.RedactPII(req.Input)
				req.Description, _ = policy.RedactPII(req.Description)
			}
			hub.Broadcast(protocol.NewPermissionRequest(taskID, req, autoRejected))
		},
		OnComplete: func(res events.Result) {
			hub.Broadcast(protocol.NewTaskComplete(taskID, res))
		},
		OnError: func(taskErr events.TaskError) {
			hub.Broadcast(protocol.NewTaskError(taskID, taskErr))
		},
		OnStatusChange: func(st tasks.TaskStatus) {
			hub.Broadcast(protocol.NewTaskStatus(taskID, string(st)))
		},
		OnTodoUpdate: func(todos []completion.TodoItem) {
			hub.Broadcast(protocol.NewTodoUpdate(taskID, todos))
		},
		OnDebug: func(entry events.DebugEntry) {
			hub.Broadcast(protocol.NewDebugEvent(taskID, entry))
		},
	}
}
