package cogito

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Defaults for the Agent's concurrency gates and guards.
const (
	defaultMaxIterations      = 10
	defaultMaxConcurrentLLM   = 4
	defaultMaxConcurrentTools = 8
	defaultSubmitTimeout      = 30 * time.Second
)

// Agent is the stateless event processor: it translates bus events into FSM
// transitions and spawns the cognitive work for the resulting state. All task
// mutation flows through here, serialized per task by the bus's single
// consumer loop.
type Agent struct {
	bus       *EventBus
	registry  *TaskRegistry
	provider  Provider
	subagents *SubagentRegistry
	executor  *ToolExecutor
	persister *TaskPersister // nil disables resume-from-log hydration

	llmSem  *semaphore.Weighted
	toolSem *semaphore.Weighted

	maxIterations int
	submitTimeout time.Duration

	reflector      Reflector
	reflectionSink ReflectionSink

	// runCtx is the context Start was given; spawned cognitive work inherits
	// it so Stop's callers control cancellation scope.
	runCtx   context.Context
	running  atomic.Bool
	inflight sync.WaitGroup
	subs     []struct {
		t     EventType
		token int
	}

	notifyMu sync.Mutex
	notify   func(Notification)

	logger *slog.Logger
	tracer Tracer
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithMaxIterations bounds Thinker invocations per task.
func WithMaxIterations(n int) AgentOption {
	return func(a *Agent) { a.maxIterations = n }
}

// WithMaxConcurrentLLM caps concurrent Thinker calls across all tasks.
func WithMaxConcurrentLLM(n int) AgentOption {
	return func(a *Agent) { a.llmSem = semaphore.NewWeighted(int64(n)) }
}

// WithMaxConcurrentTools caps concurrent tool executions across all tasks.
func WithMaxConcurrentTools(n int) AgentOption {
	return func(a *Agent) { a.toolSem = semaphore.NewWeighted(int64(n)) }
}

// WithSubmitTimeout bounds how long Submit waits for its TASK_CREATED.
func WithSubmitTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.submitTimeout = d }
}

// WithPersister enables resume-from-log hydration and crash recovery.
func WithPersister(p *TaskPersister) AgentOption {
	return func(a *Agent) { a.persister = p }
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithAgentTracer sets the tracer for cognitive-stage spans.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithReflector enables post-task reflection via the given generator and
// optional sink for persisting its output.
func WithReflector(r Reflector, sink ReflectionSink) AgentOption {
	return func(a *Agent) { a.reflector = r; a.reflectionSink = sink }
}

// NewAgent wires an Agent over its collaborators.
func NewAgent(bus *EventBus, registry *TaskRegistry, provider Provider, subagents *SubagentRegistry, executor *ToolExecutor, opts ...AgentOption) *Agent {
	a := &Agent{
		bus:           bus,
		registry:      registry,
		provider:      provider,
		subagents:     subagents,
		executor:      executor,
		llmSem:        semaphore.NewWeighted(defaultMaxConcurrentLLM),
		toolSem:       semaphore.NewWeighted(defaultMaxConcurrentTools),
		maxIterations: defaultMaxIterations,
		submitTimeout: defaultSubmitTimeout,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnNotify registers the single consumer for terminal notifications.
func (a *Agent) OnNotify(cb func(Notification)) {
	a.notifyMu.Lock()
	a.notify = cb
	a.notifyMu.Unlock()
}

func (a *Agent) emitNotify(n Notification) {
	a.notifyMu.Lock()
	cb := a.notify
	a.notifyMu.Unlock()
	if cb != nil {
		cb(n)
	}
}

// Start subscribes the agent to the bus and, when a persister is configured,
// runs crash recovery: every task pending at the last shutdown is
// force-failed and its failure notification fired.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return nil
	}
	a.runCtx = ctx

	for _, t := range []EventType{
		EventMessageReceived, EventWebhookReceived, EventScheduleTriggered,
		EventTaskCreated, EventTaskResumed, EventTaskSuspended, EventTaskFailed,
		EventReasonDone, EventNeedMoreInfo, EventStepCompleted,
		EventToolCallCompleted, EventToolCallFailed,
	} {
		token := a.bus.Subscribe(t, a.handleEvent)
		a.subs = append(a.subs, struct {
			t     EventType
			token int
		}{t, token})
	}

	if a.persister != nil {
		recovered, err := a.persister.RecoverPending()
		if err != nil {
			a.logger.Warn("crash recovery failed", "error", err)
		}
		for _, taskID := range recovered {
			a.emitNotify(Notification{
				Type:   NotifyFailed,
				TaskID: taskID,
				Error:  crashRecoveryError,
			})
		}
	}
	return nil
}

// Stop flips the running flag so new events are ignored, then awaits all
// in-flight cognitive work or ctx expiry.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.running.Swap(false) {
		return nil
	}
	for _, s := range a.subs {
		a.bus.Unsubscribe(s.t, s.token)
	}
	a.subs = nil

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit emits a MESSAGE_RECEIVED for text and returns the created task's
// ID, observed by watching the bus history for the matching TASK_CREATED.
func (a *Agent) Submit(ctx context.Context, text, source, taskType, description string) (string, error) {
	ev := NewEvent(EventMessageReceived, source, WithPayload(map[string]any{
		"text":        text,
		"taskType":    taskType,
		"description": description,
	}))
	a.bus.Emit(ev)

	waitCtx, cancel := context.WithTimeout(ctx, a.submitTimeout)
	defer cancel()
	created, err := a.bus.WaitFor(waitCtx, func(e Event) bool {
		return e.Type == EventTaskCreated && e.ParentEventID == ev.ID
	})
	if err != nil {
		return "", fmt.Errorf("submit: task creation not observed: %w", err)
	}
	return created.TaskID, nil
}

// Resume re-enters a COMPLETED task with new input. If the task is no longer
// registered it is hydrated from the persisted JSONL log. Cognitive state is
// cleared; messages and executed actions are preserved across resumes.
func (a *Agent) Resume(ctx context.Context, taskID, newInput string) error {
	f, ok := a.registry.Get(taskID)
	if !ok {
		if a.persister == nil {
			return fmt.Errorf("resume %s: %w", taskID, ErrTaskNotFound)
		}
		hydrated, err := a.hydrate(taskID)
		if err != nil {
			return err
		}
		f = hydrated
	}

	switch f.State() {
	case StateCompleted:
	case StateFailed:
		return fmt.Errorf("resume %s: %w", taskID, ErrTaskTerminal)
	default:
		return fmt.Errorf("resume %s: task is %s, not %s", taskID, f.State(), StateCompleted)
	}

	tc := f.Context
	tc.ResetForResume()
	tc.Messages = append(tc.Messages, UserMessage(newInput))
	// The TASK_RESUMED delta carries newInput itself; advance the cursor so
	// the next delta does not re-persist the message.
	tc.TakeNewMessages()

	a.bus.Emit(NewEvent(EventTaskResumed, "agent",
		WithTaskID(taskID),
		WithPayload(map[string]any{
			"newInput":      newInput,
			"previousState": string(StateCompleted),
		})))
	return nil
}

// Suspend pauses an active task. The emitted event carries the cognitive
// snapshot so a suspended task survives a restart; callers should not
// suspend a task whose step is mid-execution.
func (a *Agent) Suspend(taskID, reason string) error {
	f, ok := a.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("suspend %s: %w", taskID, ErrTaskNotFound)
	}
	tc := f.Context
	a.bus.Emit(NewEvent(EventTaskSuspended, "agent",
		WithTaskID(taskID),
		WithPayload(map[string]any{
			"reason":         reason,
			"suspendReason":  reason,
			"suspendedState": string(f.State()),
			"reasoning":      tc.Reasoning,
			"plan":           tc.Plan,
			"newMessages":    tc.TakeNewMessages(),
		})))
	return nil
}

// hydrate rebuilds a task FSM from its persisted log and registers it.
func (a *Agent) hydrate(taskID string) (*TaskFSM, error) {
	path, ok := a.persister.ResolveTaskPath(taskID)
	if !ok {
		return nil, fmt.Errorf("resume %s: %w", taskID, ErrTaskNotFound)
	}
	tc, state, err := Replay(path)
	if err != nil {
		return nil, fmt.Errorf("resume %s: replay: %w", taskID, err)
	}
	f := HydrateTaskFSM(tc, state)
	if err := a.registry.Register(f); err != nil {
		return nil, err
	}
	a.logger.Info("task hydrated from log", "task", taskID, "state", state)
	return f, nil
}

// --- event handling ---

// handleEvent is the agent's single bus handler. External-input events with
// no task scope create tasks; everything else is applied to the owning FSM
// and the resulting state dispatched. Invalid transitions and unknown tasks
// are logged and dropped, never fatal.
func (a *Agent) handleEvent(ctx context.Context, ev Event) error {
	if !a.running.Load() {
		return nil
	}

	if ev.TaskID == "" {
		switch ev.Type {
		case EventMessageReceived, EventWebhookReceived, EventScheduleTriggered:
			a.createTask(ev)
		}
		return nil
	}

	f, ok := a.registry.Get(ev.TaskID)
	if !ok {
		a.logger.Warn("event for unknown task dropped", "task", ev.TaskID, "type", ev.Type.String())
		return nil
	}

	state, err := f.Apply(ev)
	if err != nil {
		a.logger.Warn("invalid transition dropped",
			"task", ev.TaskID, "type", ev.Type.String(), "state", f.State(), "error", err)
		return nil
	}
	if ev.Type == EventMessageReceived {
		// The user's answer to a suspended task joins the history; the next
		// REASON_DONE delta carries it.
		if text, ok := ev.Payload["text"].(string); ok && text != "" {
			f.Context.Messages = append(f.Context.Messages, UserMessage(text))
		}
	}
	a.dispatchState(f, state, ev)
	return nil
}

// createTask builds a TaskContext from an external-input event, registers
// its FSM, and emits TASK_CREATED carrying the persistence delta.
func (a *Agent) createTask(ev Event) {
	text, _ := ev.Payload["text"].(string)
	taskType, _ := ev.Payload["taskType"].(string)
	description, _ := ev.Payload["description"].(string)
	metadata, _ := ev.Payload["metadata"].(map[string]any)
	if taskType == "" {
		taskType = DefaultTaskType
	}

	tc := NewTaskContext(text, ev.Source, taskType, description, metadata)
	if a.reflectionSink != nil {
		refs, err := a.reflectionSink.RecentReflections(a.runCtx, taskType, 5)
		if err != nil {
			a.logger.Warn("reflection lookup failed", "taskType", taskType, "error", err)
		}
		for _, r := range refs {
			tc.Reflections = append(tc.Reflections, r.Content)
		}
	}
	f := NewTaskFSM(tc)
	if err := a.registry.Register(f); err != nil {
		a.logger.Warn("task registration rejected", "task", tc.ID, "error", err)
		return
	}

	a.bus.Emit(NewEvent(EventTaskCreated, "agent",
		WithTaskID(tc.ID),
		WithParent(ev.ID),
		WithPayload(map[string]any{
			"inputText":     tc.InputText,
			"source":        tc.Source,
			"inputMetadata": tc.InputMetadata,
			"taskType":      tc.TaskType,
			"description":   tc.Description,
		})))
}

// dispatchState spawns the cognitive work for the state a transition landed
// in. The transition itself already happened synchronously in handleEvent,
// which is what keeps per-task FSM access race-free.
func (a *Agent) dispatchState(f *TaskFSM, state TaskState, trigger Event) {
	switch state {
	case StateReasoning:
		a.spawn(f, func(ctx context.Context) { a.runReason(ctx, f, trigger) })
	case StateActing:
		a.spawn(f, func(ctx context.Context) { a.runAct(ctx, f, trigger) })
	case StateSuspended:
		if trigger.Type == EventNeedMoreInfo {
			// Surface the task's question so the conversation can relay it.
			question, _ := trigger.Payload["question"].(string)
			a.emitNotify(Notification{Type: NotifyMessage, TaskID: f.TaskID, Message: question})
		}
		a.logger.Info("task suspended",
			"task", f.TaskID, "reason", f.Context.SuspendReason, "from", f.Context.SuspendedState)
	case StateCompleted:
		a.complete(f, trigger)
	case StateFailed:
		a.emitNotify(Notification{Type: NotifyFailed, TaskID: f.TaskID, Error: f.Context.Error})
		a.logger.Info("task failed", "task", f.TaskID, "error", f.Context.Error)
	}
}

// spawn runs cognitive work on its own goroutine, tracked for Stop
// quiescence. A panic force-fails the task when it is still non-terminal.
func (a *Agent) spawn(f *TaskFSM, fn func(ctx context.Context)) {
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("cognitive work panic", "task", f.TaskID, "panic", fmt.Sprint(p))
				if !f.State().Terminal() {
					a.failTask(f.TaskID, fmt.Sprintf("internal error: %v", p), "")
				}
			}
		}()
		fn(a.runCtx)
	}()
}

// failTask emits the TASK_FAILED event that will transition the task and
// produce its persisted failure record.
func (a *Agent) failTask(taskID, msg, parentEventID string) {
	a.bus.Emit(NewEvent(EventTaskFailed, "agent",
		WithTaskID(taskID),
		WithParent(parentEventID),
		WithPayload(map[string]any{"error": msg})))
}

// --- cognitive stages ---

// runReason runs one Thinker round under the LLM semaphore and emits
// REASON_DONE or NEED_MORE_INFO with the persistence delta.
func (a *Agent) runReason(ctx context.Context, f *TaskFSM, trigger Event) {
	tc := f.Context

	tc.Iteration++
	if tc.Iteration > a.maxIterations {
		a.failTask(f.TaskID, maxIterationsError(a.maxIterations), trigger.ID)
		return
	}

	sub, ok := a.subagents.Resolve(tc.TaskType)
	if !ok {
		a.failTask(f.TaskID, "no subagent for task type "+tc.TaskType, trigger.ID)
		return
	}

	if err := a.llmSem.Acquire(ctx, 1); err != nil {
		a.failTask(f.TaskID, "llm gate: "+err.Error(), trigger.ID)
		return
	}
	defer a.llmSem.Release(1)

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.reason",
			StringAttr("task", f.TaskID), IntAttr("iteration", tc.Iteration))
		defer span.End()
	}

	out, err := Think(ctx, a.provider, sub, tc)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		a.failTask(f.TaskID, "thinker: "+err.Error(), trigger.ID)
		return
	}

	tc.Reasoning = out.Reasoning

	if out.NeedMoreInfo {
		tc.Messages = append(tc.Messages, AssistantMessage(out.Question))
		a.bus.Emit(NewEvent(EventNeedMoreInfo, "agent",
			WithTaskID(f.TaskID),
			WithParent(trigger.ID),
			WithPayload(map[string]any{
				"reasoning": tc.Reasoning,
				"question":  out.Question,
			})))
		return
	}

	tc.Plan = out.Plan
	tc.Messages = append(tc.Messages, AssistantMessage(out.RawText))
	a.bus.Emit(NewEvent(EventReasonDone, "agent",
		WithTaskID(f.TaskID),
		WithParent(trigger.ID),
		WithPayload(map[string]any{
			"reasoning":   tc.Reasoning,
			"plan":        tc.Plan,
			"newMessages": tc.TakeNewMessages(),
		})))
}

// runAct executes the current plan step. Tool calls run under the tool
// semaphore and report through the executor's completion entry point; the
// context is always updated before the completion event is emitted.
func (a *Agent) runAct(ctx context.Context, f *TaskFSM, trigger Event) {
	tc := f.Context
	step := tc.CurrentStep()
	if step == nil {
		return
	}

	switch step.ActionType {
	case ActionToolCall:
		a.runToolStep(ctx, f, step, trigger)
	case ActionRespond:
		text := respondText(step)
		now := time.Now()
		tc.RecordAction(ActionRecord{
			StepIndex:   step.Index,
			Description: step.Description,
			ActionType:  step.ActionType,
			Result:      text,
			Success:     true,
			StartedAt:   now,
			CompletedAt: now,
		})
		if err := tc.MarkStepDone(step.Index); err != nil {
			a.logger.Warn("mark step done", "task", f.TaskID, "error", err)
			return
		}
		tc.Messages = append(tc.Messages, AssistantMessage(text))
		a.emitStepCompleted(f, step, trigger)
	case ActionStub:
		now := time.Now()
		tc.RecordAction(ActionRecord{
			StepIndex:   step.Index,
			Description: step.Description,
			ActionType:  step.ActionType,
			Result:      "stub step acknowledged",
			Success:     true,
			StartedAt:   now,
			CompletedAt: now,
		})
		if err := tc.MarkStepDone(step.Index); err != nil {
			a.logger.Warn("mark step done", "task", f.TaskID, "error", err)
			return
		}
		a.emitStepCompleted(f, step, trigger)
	}
}

// lastAction returns the most recently recorded action, for the event payload.
func lastAction(tc *TaskContext) *ActionRecord {
	if len(tc.ActionsDone) == 0 {
		return nil
	}
	return &tc.ActionsDone[len(tc.ActionsDone)-1]
}

func (a *Agent) emitStepCompleted(f *TaskFSM, step *PlanStep, trigger Event) {
	a.bus.Emit(NewEvent(EventStepCompleted, "agent",
		WithTaskID(f.TaskID),
		WithParent(trigger.ID),
		WithPayload(map[string]any{
			"actionsCount": len(f.Context.ActionsDone),
			"stepIndex":    step.Index,
			"action":       lastAction(f.Context),
		})))
}

// runToolStep executes one tool_call step: type gating, semaphore, executor,
// context update, then the completion event.
func (a *Agent) runToolStep(ctx context.Context, f *TaskFSM, step *PlanStep, trigger Event) {
	tc := f.Context
	started := time.Now()

	name, args, perr := toolCallParams(step)

	var outcome ExecOutcome
	sub, _ := a.subagents.Resolve(tc.TaskType)
	switch {
	case perr != nil:
		outcome = ExecOutcome{Error: perr.Error(), StartedAt: started, CompletedAt: time.Now()}
	case sub == nil || !sub.Allowed(name):
		// The prompt-injection safety net: tools outside the task type's
		// registry fail synthetically instead of executing.
		outcome = ExecOutcome{
			Error:       fmt.Sprintf("tool %s is not permitted for task type %s", name, tc.TaskType),
			StartedAt:   started,
			CompletedAt: time.Now(),
		}
	default:
		if err := a.toolSem.Acquire(ctx, 1); err != nil {
			outcome = ExecOutcome{Error: "tool gate: " + err.Error(), StartedAt: started, CompletedAt: time.Now()}
			break
		}
		outcome = a.executor.Execute(ctx, name, args, f.TaskID, ExecOptions{})
		a.toolSem.Release(1)
	}

	resultText := outcome.Result
	if !outcome.Success {
		resultText = "error: " + outcome.Error
	}

	callID := NewShortID()
	tc.Messages = append(tc.Messages, ToolResultMessage(callID, TruncateResult(resultText)))
	tc.RecordAction(ActionRecord{
		StepIndex:   step.Index,
		Description: step.Description,
		ActionType:  step.ActionType,
		Result:      TruncateResult(resultText),
		Success:     outcome.Success,
		StartedAt:   outcome.StartedAt,
		CompletedAt: outcome.CompletedAt,
	})
	if err := tc.MarkStepDone(step.Index); err != nil {
		a.logger.Warn("mark step done", "task", f.TaskID, "error", err)
		return
	}

	a.executor.EmitCompletion(f.TaskID, trigger.ID, map[string]any{
		"newMessages": tc.TakeNewMessages(),
		"stepIndex":   step.Index,
		"tool":        name,
		"action":      lastAction(tc),
	}, outcome.Success)
}

// complete compiles the terminal result, emits TASK_COMPLETED, notifies, and
// runs the reflection gate.
func (a *Agent) complete(f *TaskFSM, trigger Event) {
	tc := f.Context

	response := ""
	for i := len(tc.ActionsDone) - 1; i >= 0; i-- {
		if tc.ActionsDone[i].ActionType == ActionRespond && tc.ActionsDone[i].Success {
			response = tc.ActionsDone[i].Result
			break
		}
	}
	tc.FinalResult = map[string]any{
		"response":   response,
		"iterations": tc.Iteration,
		"actions":    len(tc.ActionsDone),
	}

	a.bus.Emit(NewEvent(EventTaskCompleted, "agent",
		WithTaskID(f.TaskID),
		WithParent(trigger.ID),
		WithPayload(map[string]any{
			"finalResult": tc.FinalResult,
			"iterations":  tc.Iteration,
			"newMessages": tc.TakeNewMessages(),
		})))

	a.emitNotify(Notification{Type: NotifyCompleted, TaskID: f.TaskID, Result: tc.FinalResult})
	a.logger.Info("task completed", "task", f.TaskID, "iterations", tc.Iteration)

	if a.reflector != nil && ShouldReflect(tc) {
		a.spawn(f, func(ctx context.Context) { a.runReflection(ctx, f) })
	}
}

// nopLogger discards everything; components fall back to it so logging is
// never a nil check at call sites.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
