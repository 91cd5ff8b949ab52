package completion

type FlowState string

const (
	FlowConversational             FlowState = "conversational"
	FlowRequiresCompletion         FlowState = "requires_completion"
	FlowPartialContinuationPending FlowState = "partial_continuation_pending"
	FlowDone                       FlowState = "done"
	FlowBlocked                    FlowState = "blocked"
)

func (s FlowState) Terminal() bool {
	return s == FlowDone || s == FlowBlocked
}

type StepVerdict string

const (
	StepComplete StepVerdict = "complete"
	StepPending  StepVerdict = "pending"
)

type DetectionStatus string

const (
	DetectionSuccess DetectionStatus = "success"
	DetectionPartial DetectionStatus = "partial"
	DetectionBlocked DetectionStatus = "blocked"
)

type Detection struct {
	Status        DetectionStatus `json:"status"`
	Summary       string          `json:"summary,omitempty"`
	RemainingWork string          `json:"remaining_work,omitempty"`
}

type DebugFunc func(format string, args ...any)

// Enforcer classifies whether an agent turn is finished or must trigger
// another continuation. Not safe for concurrent use: each task's turn
// driver owns exactly one instance.
type Enforcer struct {
	state            FlowState
	toolsUsed        bool
	continuationTool bool
	todos            []TodoItem
	lastDetection    *Detection
	debugf           DebugFunc
}

func NewEnforcer(debugf DebugFunc) *Enforcer {
	return &Enforcer{state: FlowConversational, debugf: debugf}
}

func (e *Enforcer) MarkTaskRequiresCompletion() {
	if e.state.Terminal() {
		return
	}
	e.state = FlowRequiresCompletion
}

func (e *Enforcer) MarkToolsUsed(countsForContinuation bool) {
	e.toolsUsed = true
	if countsForContinuation {
		e.continuationTool = true
	}
}

func (e *Enforcer) HandleStepFinish(reason string) StepVerdict {
	if e.state.Terminal() {
		return StepComplete
	}
	if e.state == FlowConversational && !e.continuationTool {
		e.debug("step finished conversationally: reason=%s", reason)
		return StepComplete
	}
	e.debug("step finished, continuation pending: reason=%s state=%s tool=%t", reason, e.state, e.continuationTool)
	return StepPending
}

// HandleCompleteTaskDetection applies an explicit completion declaration.
// The first terminal verdict wins: once done or blocked, later signals are
// ignored and false is returned.
func (e *Enforcer) HandleCompleteTaskDetection(d Detection) bool {
	if e.state.Terminal() {
		e.debug("completion signal ignored: state=%s status=%s", e.state, d.Status)
		return false
	}
	switch d.Status {
	case DetectionSuccess, DetectionPartial, DetectionBlocked:
	default:
		e.debug("completion signal ignored: unknown status %q", d.Status)
		return false
	}

	det := d
	e.lastDetection = &det

	switch d.Status {
	case DetectionSuccess:
		if open := e.openTodoCount(); open > 0 {
			// A premature success self-report does not outrank the
			// agent's own outstanding todo items.
			e.state = FlowPartialContinuationPending
			e.debug("success downgraded: %d todo(s) not completed", open)
			return true
		}
		e.state = FlowDone
	case DetectionPartial:
		e.state = FlowPartialContinuationPending
	case DetectionBlocked:
		e.state = FlowBlocked
	}
	return true
}

func (e *Enforcer) UpdateTodos(todos []TodoItem) {
	e.todos = cloneTodos(todos)
	e.debug("todo snapshot replaced: %d item(s)", len(e.todos))
}

func (e *Enforcer) ShouldComplete() bool {
	return e.state.Terminal()
}

func (e *Enforcer) State() FlowState {
	return e.state
}

func (e *Enforcer) Todos() []TodoItem {
	return cloneTodos(e.todos)
}

func (e *Enforcer) LastDetection() (Detection, bool) {
	if e.lastDetection == nil {
		return Detection{}, false
	}
	return *e.lastDetection, true
}

func (e *Enforcer) openTodoCount() int {
	open := 0
	for _, item := range e.todos {
		if item.Status != TodoStatusCompleted {
			open++
		}
	}
	return open
}

func (e *Enforcer) debug(format string, args ...any) {
	if e.debugf == nil {
		return
	}
	e.debugf(format, args...)
}
