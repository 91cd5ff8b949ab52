package completion

import (
	"fmt"
	"strings"
	"testing"
)

func TestEnforcerConversationalDefault(t *testing.T) {
	e := NewEnforcer(nil)
	if got := e.State(); got != FlowConversational {
		t.Fatalf("State() = %q, want %q", got, FlowConversational)
	}
	if got := e.HandleStepFinish("stop"); got != StepComplete {
		t.Fatalf("HandleStepFinish() = %q, want %q", got, StepComplete)
	}
	if e.ShouldComplete() {
		t.Fatalf("ShouldComplete() = true, want false in initial state")
	}
}

func TestEnforcerToolUseTriggersContinuation(t *testing.T) {
	e := NewEnforcer(nil)
	e.MarkToolsUsed(true)
	if got := e.HandleStepFinish("stop"); got != StepPending {
		t.Fatalf("HandleStepFinish() = %q, want %q after counting tool", got, StepPending)
	}
}

func TestEnforcerMetaToolDoesNotTriggerContinuation(t *testing.T) {
	e := NewEnforcer(nil)
	e.MarkToolsUsed(false)
	if got := e.HandleStepFinish("stop"); got != StepComplete {
		t.Fatalf("HandleStepFinish() = %q, want %q after non-counting tool", got, StepComplete)
	}
}

func TestEnforcerRequiresCompletion(t *testing.T) {
	e := NewEnforcer(nil)
	e.MarkTaskRequiresCompletion()
	if got := e.State(); got != FlowRequiresCompletion {
		t.Fatalf("State() = %q, want %q", got, FlowRequiresCompletion)
	}
	if got := e.HandleStepFinish("stop"); got != StepPending {
		t.Fatalf("HandleStepFinish() = %q, want %q", got, StepPending)
	}
}

func TestEnforcerSuccessWithoutTodos(t *testing.T) {
	e := NewEnforcer(nil)
	if !e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess}) {
		t.Fatalf("HandleCompleteTaskDetection() = false, want true")
	}
	if got := e.State(); got != FlowDone {
		t.Fatalf("State() = %q, want %q", got, FlowDone)
	}
	if !e.ShouldComplete() {
		t.Fatalf("ShouldComplete() = false, want true")
	}
	if got := e.HandleStepFinish("stop"); got != StepComplete {
		t.Fatalf("HandleStepFinish() = %q, want %q after done", got, StepComplete)
	}
}

func TestEnforcerSuccessDowngradedWhenTodosOpen(t *testing.T) {
	e := NewEnforcer(nil)
	e.UpdateTodos([]TodoItem{
		{ID: "t1", Content: "write tests", Status: TodoStatusCompleted},
		{ID: "t2", Content: "wire metrics", Status: TodoStatusInProgress},
	})
	if !e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess}) {
		t.Fatalf("HandleCompleteTaskDetection() = false, want true")
	}
	if got := e.State(); got != FlowPartialContinuationPending {
		t.Fatalf("State() = %q, want %q", got, FlowPartialContinuationPending)
	}
	if e.ShouldComplete() {
		t.Fatalf("ShouldComplete() = true, want false after downgrade")
	}
	if got := e.HandleStepFinish("stop"); got != StepPending {
		t.Fatalf("HandleStepFinish() = %q, want %q after downgrade", got, StepPending)
	}
}

func TestEnforcerCancelledTodoStillBlocksSuccess(t *testing.T) {
	e := NewEnforcer(nil)
	e.UpdateTodos([]TodoItem{
		{ID: "t1", Content: "dropped idea", Status: TodoStatusCancelled},
	})
	e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess})
	if got := e.State(); got != FlowPartialContinuationPending {
		t.Fatalf("State() = %q, want %q", got, FlowPartialContinuationPending)
	}
}

func TestEnforcerPartialDetection(t *testing.T) {
	e := NewEnforcer(nil)
	e.HandleCompleteTaskDetection(Detection{Status: DetectionPartial, RemainingWork: "hook up the store"})
	if got := e.State(); got != FlowPartialContinuationPending {
		t.Fatalf("State() = %q, want %q", got, FlowPartialContinuationPending)
	}
	if e.ShouldComplete() {
		t.Fatalf("ShouldComplete() = true, want false")
	}
	det, ok := e.LastDetection()
	if !ok {
		t.Fatalf("LastDetection() ok = false, want true")
	}
	if det.RemainingWork != "hook up the store" {
		t.Fatalf("LastDetection().RemainingWork = %q, want %q", det.RemainingWork, "hook up the store")
	}
}

func TestEnforcerBlockedVerdictSticks(t *testing.T) {
	e := NewEnforcer(nil)
	if !e.HandleCompleteTaskDetection(Detection{Status: DetectionBlocked, Summary: "x"}) {
		t.Fatalf("HandleCompleteTaskDetection(blocked) = false, want true")
	}
	if got := e.State(); got != FlowBlocked {
		t.Fatalf("State() = %q, want %q", got, FlowBlocked)
	}
	if !e.ShouldComplete() {
		t.Fatalf("ShouldComplete() = false, want true when blocked")
	}

	if e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess}) {
		t.Fatalf("HandleCompleteTaskDetection(success) = true after blocked, want false")
	}
	if got := e.State(); got != FlowBlocked {
		t.Fatalf("State() = %q after ignored success, want %q", got, FlowBlocked)
	}
}

func TestEnforcerDuplicateCompletionIgnored(t *testing.T) {
	e := NewEnforcer(nil)
	e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess})
	if e.HandleCompleteTaskDetection(Detection{Status: DetectionBlocked}) {
		t.Fatalf("second HandleCompleteTaskDetection() = true, want false")
	}
	if got := e.State(); got != FlowDone {
		t.Fatalf("State() = %q, want %q from first verdict", got, FlowDone)
	}
}

func TestEnforcerUnknownDetectionStatusIgnored(t *testing.T) {
	e := NewEnforcer(nil)
	if e.HandleCompleteTaskDetection(Detection{Status: "maybe"}) {
		t.Fatalf("HandleCompleteTaskDetection(maybe) = true, want false")
	}
	if got := e.State(); got != FlowConversational {
		t.Fatalf("State() = %q, want %q", got, FlowConversational)
	}
	if _, ok := e.LastDetection(); ok {
		t.Fatalf("LastDetection() ok = true after ignored signal, want false")
	}
}

func TestEnforcerRequiresCompletionIgnoredAfterTerminal(t *testing.T) {
	e := NewEnforcer(nil)
	e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess})
	e.MarkTaskRequiresCompletion()
	if got := e.State(); got != FlowDone {
		t.Fatalf("State() = %q, want %q after terminal verdict", got, FlowDone)
	}
}

func TestEnforcerUpdateTodosReplacesSnapshot(t *testing.T) {
	var lines []string
	e := NewEnforcer(func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})

	e.UpdateTodos([]TodoItem{
		{ID: "t1", Content: "a", Status: TodoStatusPending},
		{ID: "t2", Content: "b", Status: TodoStatusPending},
	})
	e.UpdateTodos([]TodoItem{
		{ID: "t3", Content: "c", Status: TodoStatusCompleted},
	})

	todos := e.Todos()
	if len(todos) != 1 {
		t.Fatalf("Todos() len = %d, want 1 after replacement", len(todos))
	}
	if todos[0].ID != "t3" {
		t.Fatalf("Todos()[0].ID = %q, want %q", todos[0].ID, "t3")
	}

	if len(lines) != 2 {
		t.Fatalf("debug lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "2 item(s)") {
		t.Fatalf("first debug line = %q, want item count 2", lines[0])
	}
	if !strings.Contains(lines[1], "1 item(s)") {
		t.Fatalf("second debug line = %q, want item count 1", lines[1])
	}
}

func TestEnforcerTodosReturnsCopy(t *testing.T) {
	e := NewEnforcer(nil)
	e.UpdateTodos([]TodoItem{{ID: "t1", Content: "a", Status: TodoStatusPending}})
	got := e.Todos()
	got[0].Status = TodoStatusCompleted

	e.HandleCompleteTaskDetection(Detection{Status: DetectionSuccess})
	if state := e.State(); state != FlowPartialContinuationPending {
		t.Fatalf("State() = %q, want %q: mutating the returned slice must not touch the snapshot", state, FlowPartialContinuationPending)
	}
}
