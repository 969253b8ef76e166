package cogito

import (
	"fmt"
	"time"
)

// TaskState is one of the task FSM's states.
type TaskState string

const (
	StateIdle      TaskState = "IDLE"
	StateReasoning TaskState = "REASONING"
	StateActing    TaskState = "ACTING"
	StateSuspended TaskState = "SUSPENDED"
	StateCompleted TaskState = "COMPLETED"
	StateFailed    TaskState = "FAILED"
)

// Terminal reports whether no further transitions are legal from s.
// COMPLETED is deliberately not terminal: it accepts TASK_RESUMED.
func (s TaskState) Terminal() bool { return s == StateFailed }

// Transition is one entry in a task's state history.
type Transition struct {
	From        TaskState `json:"from"`
	To          TaskState `json:"to"`
	TriggerType EventType `json:"trigger_type"`
	TriggerID   string    `json:"trigger_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskFSM wraps a TaskContext with its state machine. It performs no I/O:
// Apply validates the event against the transition table, mutates state,
// appends to history, and returns the new state.
//
// The FSM is not safe for concurrent use. It relies on the bus's
// single-consumer dispatch: transitions for one task are applied
// synchronously inside the bus handler, before any cognitive work is spawned.
type TaskFSM struct {
	TaskID    string
	Context   *TaskContext
	History   []Transition
	CreatedAt time.Time
	UpdatedAt time.Time
	Priority  int
	Metadata  map[string]any

	state TaskState
}

// NewTaskFSM creates an IDLE machine owning tc.
func NewTaskFSM(tc *TaskContext) *TaskFSM {
	now := time.Now()
	return &TaskFSM{
		TaskID:    tc.ID,
		Context:   tc,
		CreatedAt: now,
		UpdatedAt: now,
		state:     StateIdle,
	}
}

// HydrateTaskFSM rebuilds a machine from a replayed context and its last
// observed state, for re-registering a task after a restart.
func HydrateTaskFSM(tc *TaskContext, state TaskState) *TaskFSM {
	f := NewTaskFSM(tc)
	f.state = state
	return f
}

// State returns the current state.
func (f *TaskFSM) State() TaskState { return f.state }

// Apply transitions the machine according to ev. It returns the new state,
// or ErrInvalidTransition (wrapped with from-state and event type) when the
// transition table rejects the event. On rejection nothing is mutated.
func (f *TaskFSM) Apply(ev Event) (TaskState, error) {
	next, err := f.resolve(ev)
	if err != nil {
		return f.state, err
	}

	switch ev.Type {
	case EventTaskSuspended:
		f.Context.SuspendedState = f.state
		if reason, ok := ev.Payload["reason"].(string); ok {
			f.Context.SuspendReason = reason
		}
	case EventNeedMoreInfo:
		f.Context.SuspendedState = f.state
		f.Context.SuspendReason = "need more info"
	case EventTaskResumed:
		f.Context.SuspendedState = ""
		f.Context.SuspendReason = ""
	case EventTaskFailed:
		if msg, ok := ev.Payload["error"].(string); ok && f.Context.Error == "" {
			f.Context.Error = msg
		}
	}

	f.History = append(f.History, Transition{
		From:        f.state,
		To:          next,
		TriggerType: ev.Type,
		TriggerID:   ev.ID,
		Timestamp:   time.Now(),
	})
	f.state = next
	f.UpdatedAt = time.Now()
	return next, nil
}

// resolve computes the target state for ev without mutating anything.
func (f *TaskFSM) resolve(ev Event) (TaskState, error) {
	// TASK_FAILED force-fails from any non-terminal state, COMPLETED included.
	if ev.Type == EventTaskFailed {
		if f.state == StateFailed {
			return "", f.invalid(ev)
		}
		return StateFailed, nil
	}

	switch f.state {
	case StateIdle:
		if ev.Type == EventTaskCreated {
			return StateReasoning, nil
		}

	case StateReasoning:
		switch ev.Type {
		case EventReasonDone:
			return StateActing, nil
		case EventNeedMoreInfo, EventTaskSuspended:
			return StateSuspended, nil
		}

	case StateActing:
		switch ev.Type {
		case EventToolCallCompleted, EventToolCallFailed, EventStepCompleted:
			return f.resolveActing(), nil
		case EventTaskSuspended:
			return StateSuspended, nil
		}

	case StateSuspended:
		switch ev.Type {
		case EventTaskResumed:
			// Restore the state the task was suspended from.
			if from := f.Context.SuspendedState; from != "" {
				return from, nil
			}
			return StateReasoning, nil
		case EventMessageReceived:
			return StateReasoning, nil
		}

	case StateCompleted:
		// Resumable: re-enter the cognitive loop with fresh state.
		if ev.Type == EventTaskResumed {
			return StateReasoning, nil
		}

	case StateFailed:
		// Terminal, handled below.
	}

	return "", f.invalid(ev)
}

// resolveActing implements the dynamic resolution for step-completion events:
// stay in ACTING while steps remain; when the plan is exhausted, return to
// REASONING if it contained any tool call (the Thinker must integrate the
// results), otherwise complete.
func (f *TaskFSM) resolveActing() TaskState {
	plan := f.Context.Plan
	if !plan.AllDone() {
		return StateActing
	}
	if plan.HasToolCalls() {
		return StateReasoning
	}
	return StateCompleted
}

func (f *TaskFSM) invalid(ev Event) error {
	return fmt.Errorf("task %s: %w: %s in state %s", f.TaskID, ErrInvalidTransition, ev.Type, f.state)
}
