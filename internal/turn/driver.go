// Package turn drives one task's agent turns to a final verdict: it owns
// the task's completion enforcer, reacts to turn signals from the host,
// and issues automated continuation prompts until the enforcer declares
// the work finished.
package turn

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/agentdeck/agentdeck/internal/completion"
	"github.com/agentdeck/agentdeck/internal/events"
)

// Prompter issues continuation prompts back to the agent host.
type Prompter interface {
	Prompt(ctx context.Context, sessionID, text string) error
}

type Options struct {
	TaskID            string
	SessionID         string
	Prompter          Prompter
	RequireCompletion bool
	// MaxContinuations caps automated continuation prompts per task.
	// Zero means unbounded.
	MaxContinuations int
	OnComplete       func(summary string)
	OnError          func(err error)
	OnContinuation   func()
	Debugf           completion.DebugFunc
}

// Driver consumes one task's turn signals and decides when the task is
// finished. It runs on the task's mailbox goroutine: methods must never
// be called from more than one goroutine.
type Driver struct {
	taskID    string
	sessionID string
	prompter  Prompter
	enf       *completion.Enforcer

	maxContinuations int
	continuations    int
	completed        bool

	onComplete     func(summary string)
	onError        func(err error)
	onContinuation func()
}

func New(opts Options) *Driver {
	d := &Driver{
		taskID:           opts.TaskID,
		sessionID:        opts.SessionID,
		prompter:         opts.Prompter,
		enf:              completion.NewEnforcer(opts.Debugf),
		maxContinuations: opts.MaxContinuations,
		onComplete:       opts.OnComplete,
		onError:          opts.OnError,
		onContinuation:   opts.OnContinuation,
	}
	if opts.RequireCompletion {
		d.enf.MarkTaskRequiresCompletion()
	}
	return d
}

// HandleSignal applies one turn signal. Signals arriving after the driver
// declared its verdict are ignored.
func (d *Driver) HandleSignal(ctx context.Context, sig events.TurnSignal) {
	if d.completed {
		return
	}
	switch sig.Kind {
	case events.SignalToolUsed:
		d.enf.MarkToolsUsed(sig.CountsForContinuation)
	case events.SignalDetection:
		if sig.Detection != nil {
			d.enf.HandleCompleteTaskDetection(*sig.Detection)
		}
	case events.SignalStepFinished:
		d.stepFinished(ctx, sig.FinishReason)
	default:
		log.Printf("turn: task %s got unknown signal kind %q", d.taskID, sig.Kind)
	}
}

// UpdateTodos replaces the enforcer's todo snapshot.
func (d *Driver) UpdateTodos(todos []completion.TodoItem) {
	if d.completed {
		return
	}
	d.enf.UpdateTodos(todos)
}

func (d *Driver) State() completion.FlowState {
	return d.enf.State()
}

// Continuations reports how many automated continuation prompts have
// been issued so far.
func (d *Driver) Continuations() int {
	return d.continuations
}

func (d *Driver) stepFinished(ctx context.Context, reason string) {
	if d.enf.HandleStepFinish(reason) == completion.StepComplete {
		d.declareComplete()
		return
	}
	if d.maxContinuations > 0 && d.continuations >= d.maxContinuations {
		log.Printf("turn: task %s reached the continuation cap (%d), finishing as-is", d.taskID, d.maxContinuations)
		d.declareComplete()
		return
	}
	d.continuations++
	if d.onContinuation != nil {
		d.onContinuation()
	}
	if err := d.prompter.Prompt(ctx, d.sessionID, d.continuationPrompt()); err != nil {
		d.completed = true
		if d.onError != nil {
			d.onError(fmt.Errorf("continuation prompt: %w", err))
		}
	}
}

func (d *Driver) declareComplete() {
	if d.completed {
		return
	}
	d.completed = true
	summary := ""
	if det, ok := d.enf.LastDetection(); ok {
		summary = det.Summary
	}
	if d.onComplete != nil {
		d.onComplete(summary)
	}
}

func (d *Driver) continuationPrompt() string {
	if det, ok := d.enf.LastDetection(); ok {
		if work := strings.TrimSpace(det.RemainingWork); work != "" {
			return "Continue the task. Remaining work: " + work
		}
	}
	return "Continue the task. Declare completion when everything is finished."
}
