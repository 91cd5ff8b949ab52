package agenthost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
)

// ResolvedPermission records one permission decision sent through the mock.
type ResolvedPermission struct {
	SessionID    string
	PermissionID string
	Decision     PermissionDecision
}

// MockClient is an in-process stand-in for the agent host, used by the
// "mock" mode and by tests. Each prompt plays back a short scripted turn:
// an echoed message, optional tool and todo activity keyed off the prompt
// text, a completion self-report, and a step finish. A todo opened by one
// prompt is completed by the session's next prompt, so continuation turns
// converge instead of replaying the open item forever.
type MockClient struct {
	sink  Sink
	delay time.Duration

	mu       sync.Mutex
	sessions map[string]*mockSession
	resolved []ResolvedPermission
	aborts   []string
}

// mockSession is one scripted session's replay state.
type mockSession struct {
	aborted  bool
	openTodo bool
}

// todoScript selects the todo beat a scripted turn plays.
type todoScript int

const (
	todoScriptNone todoScript = iota
	todoScriptOpen
	todoScriptComplete
)

func NewMockClient(sink Sink) *MockClient {
	return &MockClient{
		sink:     sink,
		delay:    5 * time.Millisecond,
		sessions: make(map[string]*mockSession),
	}
}

// SetDelay adjusts the pause between scripted events. Tests set it to zero.
func (m *MockClient) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockClient) CreateSession(ctx context.Context) (string, error) {
	id := "mock-" + uuid.NewString()[:8]
	m.mu.Lock()
	m.sessions[id] = &mockSession{}
	m.mu.Unlock()
	return id, nil
}

func (m *MockClient) Prompt(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	sess, known := m.sessions[sessionID]
	if !known {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %q", sessionID)
	}
	if sess.aborted {
		m.mu.Unlock()
		return fmt.Errorf("session %q is aborted", sessionID)
	}
	todo := todoScriptNone
	if sess.openTodo {
		todo = todoScriptComplete
		sess.openTodo = false
	} else if strings.Contains(strings.ToLower(text), "todo") {
		todo = todoScriptOpen
		sess.openTodo = true
	}
	delay := m.delay
	m.mu.Unlock()
	go m.playPrompt(sessionID, text, delay, todo)
	return nil
}

func (m *MockClient) playPrompt(sessionID, text string, delay time.Duration, todo todoScript) {
	lower := strings.ToLower(text)
	steps := []events.Event{
		{
			SessionID: sessionID,
			Kind:      events.KindMessage,
			Message: &events.Message{
				Role:    "agent",
				Content: "mock response to: " + text,
				Model:   "mock",
				At:      time.Now(),
			},
		},
	}
	if strings.Contains(lower, "tool") {
		steps = append(steps, events.Event{
			SessionID: sessionID,
			Kind:      events.KindTurn,
			Signal: &events.TurnSignal{
				Kind:                  events.SignalToolUsed,
				Tool:                  "mock_tool",
				CountsForContinuation: true,
			},
		})
	}
	switch todo {
	case todoScriptOpen:
		steps = append(steps, events.Event{
			SessionID: sessionID,
			Kind:      events.KindTodo,
			Todos: []completion.TodoItem{
				{ID: "1", Content: "mock item", Status: completion.TodoStatusInProgress},
			},
		})
	case todoScriptComplete:
		steps = append(steps, events.Event{
			SessionID: sessionID,
			Kind:      events.KindTodo,
			Todos: []completion.TodoItem{
				{ID: "1", Content: "mock item", Status: completion.TodoStatusCompleted},
			},
		})
	}
	status := completion.DetectionSuccess
	if strings.Contains(lower, "block") {
		status = completion.DetectionBlocked
	}
	steps = append(steps,
		events.Event{
			SessionID: sessionID,
			Kind:      events.KindTurn,
			Signal: &events.TurnSignal{
				Kind: events.SignalDetection,
				Detection: &completion.Detection{
					Status:  status,
					Summary: "mock detection",
				},
			},
		},
		events.Event{
			SessionID: sessionID,
			Kind:      events.KindTurn,
			Signal: &events.TurnSignal{
				Kind:         events.SignalStepFinished,
				FinishReason: "stop",
			},
		},
	)

	for _, ev := range steps {
		if delay > 0 {
			time.Sleep(delay)
		}
		m.mu.Lock()
		sess := m.sessions[sessionID]
		aborted := sess == nil || sess.aborted
		m.mu.Unlock()
		if aborted {
			return
		}
		if m.sink != nil {
			m.sink.Deliver(ev)
		}
	}
}

func (m *MockClient) Abort(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, known := m.sessions[sessionID]
	if !known {
		m.mu.Unlock()
		return fmt.Errorf("unknown session %q", sessionID)
	}
	sess.aborted = true
	m.aborts = append(m.aborts, sessionID)
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Deliver(events.Event{
			SessionID: sessionID,
			Kind:      events.KindError,
			Err: &events.TaskError{
				Message:     "task interrupted",
				Interrupted: true,
				At:          time.Now(),
			},
		})
	}
	return nil
}

func (m *MockClient) ResolvePermission(ctx context.Context, sessionID, permissionID string, decision PermissionDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, ResolvedPermission{
		SessionID:    sessionID,
		PermissionID: permissionID,
		Decision:     decision,
	})
	return nil
}

func (m *MockClient) EnsureReady(ctx context.Context) error {
	return nil
}

func (m *MockClient) Close() error {
	return nil
}

// ResolvedPermissions returns the permission decisions recorded so far.
func (m *MockClient) ResolvedPermissions() []ResolvedPermission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResolvedPermission, len(m.resolved))
	copy(out, m.resolved)
	return out
}

// Aborts returns the session ids aborted so far, in order.
func (m *MockClient) Aborts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.aborts))
	copy(out, m.aborts)
	return out
}
