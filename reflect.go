package cogito

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Reflection is one distilled lesson extracted from a finished task. Stored
// reflections for a task type are fed back into future Thinker prompts.
type Reflection struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Reflector generates a reflection from a completed task's context.
type Reflector interface {
	Reflect(ctx context.Context, tc *TaskContext) (Reflection, error)
}

// ReflectionSink stores reflections and serves them back by task type,
// newest first.
type ReflectionSink interface {
	SaveReflection(ctx context.Context, r Reflection) error
	RecentReflections(ctx context.Context, taskType string, limit int) ([]Reflection, error)
}

// ShouldReflect gates post-task reflection to tasks with enough substance to
// learn from: more than one cognitive round, or at least one executed tool
// call.
func ShouldReflect(tc *TaskContext) bool {
	if tc.Iteration > 1 {
		return true
	}
	for _, a := range tc.ActionsDone {
		if a.ActionType == ActionToolCall {
			return true
		}
	}
	return false
}

// runReflection generates and stores a reflection for a completed task. Any
// failure is logged and swallowed: reflection never affects task outcome.
func (a *Agent) runReflection(ctx context.Context, f *TaskFSM) {
	tc := f.Context

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.reflect", StringAttr("task", f.TaskID))
		defer span.End()
	}

	r, err := a.reflector.Reflect(ctx, tc)
	if err != nil {
		a.logger.Warn("reflection failed", "task", f.TaskID, "error", err)
		if span != nil {
			span.Error(err)
		}
		return
	}
	tc.PostReflection = r.Content

	if a.reflectionSink != nil {
		if err := a.reflectionSink.SaveReflection(ctx, r); err != nil {
			a.logger.Warn("reflection save failed", "task", f.TaskID, "error", err)
		}
	}
	a.logger.Info("reflection recorded", "task", f.TaskID)
}

// --- LLM-backed reflector ---

const reflectorInstructions = `Review the finished task below. Write one short
paragraph capturing what approach worked, what did not, and what to do
differently for similar tasks. Respond with the paragraph only.`

// LLMReflector asks the provider to distill a lesson from the task trace.
type LLMReflector struct {
	provider Provider
}

// NewLLMReflector builds a reflector over the given provider.
func NewLLMReflector(p Provider) *LLMReflector {
	return &LLMReflector{provider: p}
}

// Reflect summarizes the task trace and asks for a lesson.
func (r *LLMReflector) Reflect(ctx context.Context, tc *TaskContext) (Reflection, error) {
	resp, err := r.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(reflectorInstructions),
			UserMessage(summarizeTask(tc)),
		},
	})
	if err != nil {
		return Reflection{}, fmt.Errorf("reflect: %w", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return Reflection{}, fmt.Errorf("reflect: empty response")
	}
	return Reflection{
		ID:        NewID(),
		TaskID:    tc.ID,
		TaskType:  tc.TaskType,
		Content:   content,
		CreatedAt: time.Now(),
	}, nil
}

// summarizeTask renders a compact trace of the task for the reflection
// prompt: input, iteration count, executed actions, final response.
func summarizeTask(tc *TaskContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task type: %s\n", tc.TaskType)
	fmt.Fprintf(&b, "Input: %s\n", tc.InputText)
	fmt.Fprintf(&b, "Cognitive iterations: %d\n", tc.Iteration)
	if len(tc.ActionsDone) > 0 {
		b.WriteString("Actions:\n")
		for _, a := range tc.ActionsDone {
			status := "ok"
			if !a.Success {
				status = "failed"
			}
			fmt.Fprintf(&b, "  %d. [%s/%s] %s\n", a.StepIndex+1, a.ActionType, status, a.Description)
		}
	}
	if resp, ok := tc.FinalResult["response"].(string); ok && resp != "" {
		fmt.Fprintf(&b, "Final response: %s\n", resp)
	}
	return b.String()
}
