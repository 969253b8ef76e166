package cogito

import (
	"fmt"
	"time"
)

// Step action types produced by the planner.
const (
	ActionToolCall = "tool_call"
	ActionRespond  = "respond"
	ActionStub     = "stub"
)

// PlanStep is one unit of work in a plan. Completed transitions false→true
// exactly once, via TaskContext.MarkStepDone.
type PlanStep struct {
	Index        int            `json:"index"`
	Description  string         `json:"description"`
	ActionType   string         `json:"action_type"` // tool_call | respond | stub
	ActionParams map[string]any `json:"action_params,omitempty"`
	Completed    bool           `json:"completed"`
}

// Plan is the Thinker's structured decision for one cognitive round.
type Plan struct {
	Goal      string     `json:"goal"`
	Reasoning string     `json:"reasoning"`
	Steps     []PlanStep `json:"steps"`
}

// HasToolCalls reports whether any step of the plan is a tool call. It drives
// the dynamic ACTING resolution: tool results must go back through the
// Thinker before the task may complete.
func (p *Plan) HasToolCalls() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s.ActionType == ActionToolCall {
			return true
		}
	}
	return false
}

// AllDone reports whether every step of the plan is completed.
func (p *Plan) AllDone() bool {
	if p == nil {
		return true
	}
	for _, s := range p.Steps {
		if !s.Completed {
			return false
		}
	}
	return true
}

// ActionRecord is the durable trace of one executed plan step.
type ActionRecord struct {
	StepIndex   int       `json:"step_index"`
	Description string    `json:"description"`
	ActionType  string    `json:"action_type"`
	Result      string    `json:"result"`
	Success     bool      `json:"success"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// TaskContext is the mutable working state of one task. Exactly one task owns
// its context; all mutation happens from bus handlers and the cognitive work
// they spawn, serialized per task by the bus's single-consumer dispatch.
type TaskContext struct {
	ID            string         `json:"id"`
	InputText     string         `json:"input_text"`
	InputMetadata map[string]any `json:"input_metadata,omitempty"`
	Source        string         `json:"source"`
	TaskType      string         `json:"task_type"`
	Description   string         `json:"description,omitempty"`

	Messages    []ChatMessage  `json:"messages"`
	Reasoning   map[string]any `json:"reasoning,omitempty"`
	Plan        *Plan          `json:"plan,omitempty"`
	ActionsDone []ActionRecord `json:"actions_done,omitempty"`

	Reflections    []string `json:"reflections,omitempty"`
	PostReflection string   `json:"post_reflection,omitempty"`

	// Iteration counts Thinker invocations for this task. Bounded by the
	// Agent's configured maximum.
	Iteration int `json:"iteration"`

	FinalResult map[string]any `json:"final_result,omitempty"`
	Error       string         `json:"error,omitempty"`

	SuspendedState TaskState `json:"suspended_state,omitempty"`
	SuspendReason  string    `json:"suspend_reason,omitempty"`

	// msgCursor is the count of messages already handed to the persister.
	// Each delta-emitting event advances it by exactly the number of newly
	// appended messages.
	msgCursor int
}

// NewTaskContext builds a context for a freshly submitted task, seeded with
// the input text as the first user message.
func NewTaskContext(inputText, source, taskType, description string, metadata map[string]any) *TaskContext {
	tc := &TaskContext{
		ID:            NewID(),
		InputText:     inputText,
		InputMetadata: metadata,
		Source:        source,
		TaskType:      taskType,
		Description:   description,
	}
	tc.Messages = append(tc.Messages, UserMessage(inputText))
	// The seed message rides in the TASK_CREATED delta as inputText, not as
	// a newMessages entry.
	tc.msgCursor = len(tc.Messages)
	return tc
}

// CurrentStep returns the first incomplete plan step, or nil when the plan is
// exhausted (or absent).
func (tc *TaskContext) CurrentStep() *PlanStep {
	if tc.Plan == nil {
		return nil
	}
	for i := range tc.Plan.Steps {
		if !tc.Plan.Steps[i].Completed {
			return &tc.Plan.Steps[i]
		}
	}
	return nil
}

// MarkStepDone marks the step at index completed. Marking a completed step
// again is an error: completion is monotonic and exactly-once.
func (tc *TaskContext) MarkStepDone(index int) error {
	if tc.Plan == nil || index < 0 || index >= len(tc.Plan.Steps) {
		return fmt.Errorf("task %s: no plan step %d", tc.ID, index)
	}
	if tc.Plan.Steps[index].Completed {
		return fmt.Errorf("task %s: step %d already completed", tc.ID, index)
	}
	tc.Plan.Steps[index].Completed = true
	return nil
}

// RecordAction appends the durable trace of an executed step. Call before
// MarkStepDone so a step is never observed done without its action record.
func (tc *TaskContext) RecordAction(rec ActionRecord) {
	tc.ActionsDone = append(tc.ActionsDone, rec)
}

// TakeNewMessages returns the messages appended since the last call and
// advances the persistence cursor past them.
func (tc *TaskContext) TakeNewMessages() []ChatMessage {
	if tc.msgCursor >= len(tc.Messages) {
		return nil
	}
	out := make([]ChatMessage, len(tc.Messages)-tc.msgCursor)
	copy(out, tc.Messages[tc.msgCursor:])
	tc.msgCursor = len(tc.Messages)
	return out
}

// ResetForResume clears cognitive state ahead of a COMPLETED→REASONING
// re-entry. Messages and ActionsDone are preserved: a resumed task keeps its
// full history.
func (tc *TaskContext) ResetForResume() {
	tc.Plan = nil
	tc.Reasoning = nil
	tc.FinalResult = nil
	tc.Error = ""
	tc.Iteration = 0
	tc.SuspendedState = ""
	tc.SuspendReason = ""
}
