package agenthost

import (
	"context"
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
)

func TestMockClientScriptedTurn(t *testing.T) {
	sink := newChanSink()
	mock := NewMockClient(sink)
	mock.SetDelay(0)

	ctx := context.Background()
	sessionID, err := mock.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if !strings.HasPrefix(sessionID, "mock-") {
		t.Fatalf("CreateSession() = %q, want mock- prefix", sessionID)
	}

	if err := mock.Prompt(ctx, sessionID, "use a tool on the todo list"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}

	var kinds []events.EventKind
	var last events.Event
	for i := 0; i < 5; i++ {
		last = waitEvent(t, sink.ch)
		kinds = append(kinds, last.Kind)
	}

	want := []events.EventKind{
		events.KindMessage,
		events.KindTurn,
		events.KindTodo,
		events.KindTurn,
		events.KindTurn,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d].Kind = %q, want %q (all: %v)", i, kinds[i], want[i], kinds)
		}
	}
	if last.Signal == nil || last.Signal.Kind != events.SignalStepFinished {
		t.Fatalf("final signal = %+v, want step finished", last.Signal)
	}
}

func TestMockClientCompletesTodoOnNextPrompt(t *testing.T) {
	sink := newChanSink()
	mock := NewMockClient(sink)
	mock.SetDelay(0)

	ctx := context.Background()
	sessionID, _ := mock.CreateSession(ctx)

	if err := mock.Prompt(ctx, sessionID, "work through the todo list"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}
	todos := nextTodoSnapshot(t, sink.ch)
	if len(todos) != 1 || todos[0].Status != completion.TodoStatusInProgress {
		t.Fatalf("first turn todos = %+v, want one in_progress item", todos)
	}

	if err := mock.Prompt(ctx, sessionID, "continue"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}
	todos = nextTodoSnapshot(t, sink.ch)
	if len(todos) != 1 || todos[0].Status != completion.TodoStatusCompleted {
		t.Fatalf("second turn todos = %+v, want the item completed", todos)
	}
}

func nextTodoSnapshot(t *testing.T, ch chan events.Event) []completion.TodoItem {
	t.Helper()
	for i := 0; i < 8; i++ {
		if ev := waitEvent(t, ch); ev.Kind == events.KindTodo {
			return ev.Todos
		}
	}
	t.Fatal("no todo event delivered")
	return nil
}

func TestMockClientBlockedDetection(t *testing.T) {
	sink := newChanSink()
	mock := NewMockClient(sink)
	mock.SetDelay(0)

	ctx := context.Background()
	sessionID, _ := mock.CreateSession(ctx)
	if err := mock.Prompt(ctx, sessionID, "this will block on credentials"); err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}

	var detection *completion.Detection
	for i := 0; i < 3; i++ {
		ev := waitEvent(t, sink.ch)
		if ev.Kind == events.KindTurn && ev.Signal.Kind == events.SignalDetection {
			detection = ev.Signal.Detection
		}
	}
	if detection == nil {
		t.Fatal("no detection signal delivered")
	}
	if detection.Status != completion.DetectionBlocked {
		t.Fatalf("Detection.Status = %q, want %q", detection.Status, completion.DetectionBlocked)
	}
}

func TestMockClientAbort(t *testing.T) {
	sink := newChanSink()
	mock := NewMockClient(sink)
	mock.SetDelay(0)

	ctx := context.Background()
	sessionID, _ := mock.CreateSession(ctx)
	if err := mock.Abort(ctx, sessionID); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}

	ev := waitEvent(t, sink.ch)
	if ev.Kind != events.KindError || ev.Err == nil || !ev.Err.Interrupted {
		t.Fatalf("event = %+v, want interrupted error", ev)
	}

	if err := mock.Prompt(ctx, sessionID, "more work"); err == nil {
		t.Fatal("Prompt() succeeded on an aborted session")
	}

	aborts := mock.Aborts()
	if len(aborts) != 1 || aborts[0] != sessionID {
		t.Fatalf("Aborts() = %v, want [%s]", aborts, sessionID)
	}
}

func TestMockClientUnknownSession(t *testing.T) {
	mock := NewMockClient(newChanSink())
	if err := mock.Prompt(context.Background(), "nope", "hi"); err == nil {
		t.Fatal("Prompt() succeeded for unknown session")
	}
	if err := mock.Abort(context.Background(), "nope"); err == nil {
		t.Fatal("Abort() succeeded for unknown session")
	}
}

func TestMockClientRecordsPermissions(t *testing.T) {
	mock := NewMockClient(newChanSink())
	ctx := context.Background()
	sessionID, _ := mock.CreateSession(ctx)

	if err := mock.ResolvePermission(ctx, sessionID, "perm-9", DecisionReject); err != nil {
		t.Fatalf("ResolvePermission() error: %v", err)
	}

	resolved := mock.ResolvedPermissions()
	if len(resolved) != 1 {
		t.Fatalf("len(ResolvedPermissions()) = %d, want 1", len(resolved))
	}
	if resolved[0].PermissionID != "perm-9" || resolved[0].Decision != DecisionReject {
		t.Fatalf("ResolvedPermissions()[0] = %+v, want perm-9 reject", resolved[0])
	}
}
