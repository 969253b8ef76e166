package cogito

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// agentHarness wires a full bus/registry/agent stack around a scripted
// provider, with notifications captured for assertions.
type agentHarness struct {
	bus      *EventBus
	registry *TaskRegistry
	provider *stubProvider
	agent    *Agent

	mu    sync.Mutex
	notes []Notification
}

// newAgentHarness starts the stack and registers cleanup. A nil subagents
// argument gets a default registry whose subagent may use the echo tool.
func newAgentHarness(t *testing.T, provider *stubProvider, subagents *SubagentRegistry, opts ...AgentOption) *agentHarness {
	t.Helper()
	tools := echoTool()
	if subagents == nil {
		subagents = NewSubagentRegistry("You run background tasks.", tools)
	}

	h := &agentHarness{
		bus:      NewEventBus(WithPollInterval(time.Millisecond)),
		registry: NewTaskRegistry(10, nil),
		provider: provider,
	}
	executor := NewToolExecutor(tools, h.bus)
	h.agent = NewAgent(h.bus, h.registry, provider, subagents, executor, opts...)
	h.agent.OnNotify(func(n Notification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})

	ctx := context.Background()
	h.bus.Start(ctx)
	if err := h.agent.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.agent.Stop(stopCtx)
		h.bus.Stop(stopCtx)
	})
	return h
}

func (h *agentHarness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.notes))
	copy(out, h.notes)
	return out
}

// submit runs Agent.Submit with a test deadline.
func (h *agentHarness) submit(t *testing.T, text string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := h.agent.Submit(ctx, text, "test", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return id
}

// awaitEvent blocks until the bus history holds a matching event.
func (h *agentHarness) awaitEvent(t *testing.T, pred func(Event) bool) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := h.bus.WaitFor(ctx, pred)
	if err != nil {
		t.Fatalf("event not observed: %v", err)
	}
	return ev
}

func (h *agentHarness) awaitTerminal(t *testing.T, taskID string, typ EventType) Event {
	t.Helper()
	return h.awaitEvent(t, func(e Event) bool { return e.Type == typ && e.TaskID == taskID })
}

func TestAgent_RespondTaskCompletes(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: respondPlanJSON("hello there")}},
	}}
	h := newAgentHarness(t, provider, nil)

	id := h.submit(t, "say hello")
	h.awaitTerminal(t, id, EventTaskCompleted)

	f, ok := h.registry.Get(id)
	if !ok {
		t.Fatal("task not registered")
	}
	if f.State() != StateCompleted {
		t.Errorf("state = %s, want %s", f.State(), StateCompleted)
	}
	if got := f.Context.FinalResult["response"]; got != "hello there" {
		t.Errorf("response = %v, want %q", got, "hello there")
	}
	if f.Context.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", f.Context.Iteration)
	}

	notes := h.notifications()
	if len(notes) != 1 || notes[0].Type != NotifyCompleted || notes[0].TaskID != id {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestAgent_ToolTaskRoundTrips(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: toolPlanJSON("ping")}},
		{resp: ChatResponse{Content: respondPlanJSON("done: ping")}},
	}}
	h := newAgentHarness(t, provider, nil)

	id := h.submit(t, "go ping")
	h.awaitTerminal(t, id, EventTaskCompleted)

	f, _ := h.registry.Get(id)
	tc := f.Context
	if tc.Iteration != 2 {
		t.Errorf("iteration = %d, want 2 (tool results go back through the thinker)", tc.Iteration)
	}
	if got := tc.FinalResult["response"]; got != "done: ping" {
		t.Errorf("response = %v", got)
	}

	var toolMsg *ChatMessage
	for i := range tc.Messages {
		if tc.Messages[i].Role == "tool" {
			toolMsg = &tc.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.Content != "echo: ping" {
		t.Errorf("tool result message = %+v", toolMsg)
	}

	if len(tc.ActionsDone) != 2 {
		t.Fatalf("actions = %d, want 2", len(tc.ActionsDone))
	}
	if tc.ActionsDone[0].ActionType != ActionToolCall || !tc.ActionsDone[0].Success {
		t.Errorf("first action = %+v", tc.ActionsDone[0])
	}
}

func TestAgent_MaxIterationsFailsTask(t *testing.T) {
	// The thinker keeps asking for tool calls and never concludes.
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: toolPlanJSON("again")}},
	}}
	h := newAgentHarness(t, provider, nil, WithMaxIterations(2))

	id := h.submit(t, "never finish")
	h.awaitTerminal(t, id, EventTaskFailed)

	f, _ := h.registry.Get(id)
	if f.State() != StateFailed {
		t.Fatalf("state = %s, want %s", f.State(), StateFailed)
	}
	if f.Context.Error != "Max cognitive iterations exceeded (2)" {
		t.Errorf("error = %q", f.Context.Error)
	}

	notes := h.notifications()
	if len(notes) != 1 || notes[0].Type != NotifyFailed {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestAgent_DisallowedToolFailsSynthetically(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: toolPlanJSON("sneaky")}},
		{resp: ChatResponse{Content: respondPlanJSON("recovered")}},
	}}
	// The subagent carries no tool registry, so every tool call is rejected
	// without executing.
	subagents := NewSubagentRegistry("No tools for you.", nil)
	h := newAgentHarness(t, provider, subagents)

	id := h.submit(t, "try the tool")
	h.awaitTerminal(t, id, EventTaskCompleted)

	f, _ := h.registry.Get(id)
	tc := f.Context
	var denial string
	for _, m := range tc.Messages {
		if m.Role == "tool" {
			denial = m.Content
		}
	}
	if !strings.Contains(denial, "not permitted") {
		t.Errorf("tool message = %q, want a permission denial", denial)
	}
	if tc.ActionsDone[0].Success {
		t.Error("denied tool call recorded as success")
	}
	if got := tc.FinalResult["response"]; got != "recovered" {
		t.Errorf("response = %v", got)
	}
}

func TestAgent_NeedMoreInfoSuspendsAndUserAnswerResumes(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: needInfoJSON("which account?")}},
		{resp: ChatResponse{Content: respondPlanJSON("resolved")}},
	}}
	h := newAgentHarness(t, provider, nil)

	id := h.submit(t, "check the account")
	h.awaitTerminal(t, id, EventNeedMoreInfo)

	// The bus dispatches serially, so by the time the answer below reaches
	// the agent the NEED_MORE_INFO transition has fully applied.
	h.bus.Emit(NewEvent(EventMessageReceived, "test",
		WithTaskID(id),
		WithPayload(map[string]any{"text": "the blue account"})))

	h.awaitTerminal(t, id, EventTaskCompleted)
	f, _ := h.registry.Get(id)
	tc := f.Context

	var sawQuestion, sawAnswer bool
	for _, m := range tc.Messages {
		if m.Role == "assistant" && m.Content == "which account?" {
			sawQuestion = true
		}
		if m.Role == "user" && m.Content == "the blue account" {
			sawAnswer = true
		}
	}
	if !sawQuestion || !sawAnswer {
		t.Errorf("question/answer not in history: question=%v answer=%v", sawQuestion, sawAnswer)
	}
	if got := tc.FinalResult["response"]; got != "resolved" {
		t.Errorf("response = %v", got)
	}

	var sawNote bool
	for _, n := range h.notifications() {
		if n.Type == NotifyMessage && n.TaskID == id && n.Message == "which account?" {
			sawNote = true
		}
	}
	if !sawNote {
		t.Errorf("suspension question was not notified")
	}
}

func TestAgent_ResumeCompletedTask(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: respondPlanJSON("first answer")}},
		{resp: ChatResponse{Content: respondPlanJSON("second answer")}},
	}}
	h := newAgentHarness(t, provider, nil)

	id := h.submit(t, "round one")
	h.awaitTerminal(t, id, EventTaskCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.agent.Resume(ctx, id, "round two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.awaitEvent(t, func(e Event) bool {
		if e.Type != EventTaskCompleted || e.TaskID != id {
			return false
		}
		fr, _ := e.Payload["finalResult"].(map[string]any)
		return fr != nil && fr["response"] == "second answer"
	})

	f, _ := h.registry.Get(id)
	if f.Context.Iteration != 1 {
		t.Errorf("iteration = %d, want 1 after resume reset", f.Context.Iteration)
	}
	if len(f.Context.ActionsDone) != 2 {
		t.Errorf("actions = %d, want history preserved across resume", len(f.Context.ActionsDone))
	}
}

func TestAgent_ResumeFailedTaskIsRejected(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: toolPlanJSON("loop")}},
	}}
	h := newAgentHarness(t, provider, nil, WithMaxIterations(1))

	id := h.submit(t, "doomed")
	h.awaitTerminal(t, id, EventTaskFailed)

	err := h.agent.Resume(context.Background(), id, "try harder")
	if !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("got %v, want ErrTaskTerminal", err)
	}
}

func TestAgent_ResumeHydratesFromLog(t *testing.T) {
	dir := t.TempDir()

	p1, err := NewTaskPersister(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: respondPlanJSON("before restart")}},
	}}
	h1 := newAgentHarness(t, provider, nil, WithPersister(p1))
	p1.Attach(h1.bus)

	id := h1.submit(t, "persist me")
	h1.awaitTerminal(t, id, EventTaskCompleted)
	// Let the persister's TASK_COMPLETED write land before the restart.
	waitUntil(t, 2*time.Second, func() bool { return len(p1.Pending()) == 0 })

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h1.agent.Stop(stopCtx)
	h1.bus.Stop(stopCtx)

	// A second stack over the same data dir simulates a restart.
	p2, err := NewTaskPersister(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	provider2 := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: respondPlanJSON("after restart")}},
	}}
	h2 := newAgentHarness(t, provider2, nil, WithPersister(p2))
	p2.Attach(h2.bus)

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := h2.agent.Resume(ctx, id, "continue"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h2.awaitTerminal(t, id, EventTaskCompleted)
	f, _ := h2.registry.Get(id)
	if got := f.Context.FinalResult["response"]; got != "after restart" {
		t.Errorf("response = %v", got)
	}
	if f.Context.InputText != "persist me" {
		t.Errorf("hydrated input = %q", f.Context.InputText)
	}
}

func TestAgent_CrashRecoveryNotifiesFailure(t *testing.T) {
	dir := t.TempDir()
	p1, err := NewTaskPersister(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A task that was created but never finished before the "crash".
	taskID := NewID()
	persistEvent(t, p1, NewEvent(EventTaskCreated, "agent", WithTaskID(taskID), WithPayload(map[string]any{
		"inputText": "unfinished", "source": "cli", "taskType": "general",
	})))

	p2, err := NewTaskPersister(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	provider := &stubProvider{}
	h := newAgentHarness(t, provider, nil, WithPersister(p2))

	notes := h.notifications()
	if len(notes) != 1 || notes[0].Type != NotifyFailed || notes[0].TaskID != taskID {
		t.Fatalf("notifications = %+v", notes)
	}
	if notes[0].Error != "process restarted, task cancelled" {
		t.Errorf("error = %q", notes[0].Error)
	}
}

func TestAgent_SuspendActiveTask(t *testing.T) {
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: needInfoJSON("hold on")}},
	}}
	h := newAgentHarness(t, provider, nil)

	id := h.submit(t, "park this")
	h.awaitTerminal(t, id, EventNeedMoreInfo)

	if err := h.agent.Suspend("missing-task", "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

// --- reflection wiring ---

type memorySink struct {
	mu    sync.Mutex
	saved []Reflection
}

func (s *memorySink) SaveReflection(_ context.Context, r Reflection) error {
	s.mu.Lock()
	s.saved = append(s.saved, r)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) RecentReflections(_ context.Context, taskType string, limit int) ([]Reflection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reflection
	for i := len(s.saved) - 1; i >= 0 && len(out) < limit; i-- {
		if s.saved[i].TaskType == taskType {
			out = append(out, s.saved[i])
		}
	}
	return out, nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fixedReflector struct{ content string }

func (r *fixedReflector) Reflect(_ context.Context, tc *TaskContext) (Reflection, error) {
	return Reflection{
		ID: NewID(), TaskID: tc.ID, TaskType: tc.TaskType,
		Content: r.content, CreatedAt: time.Now(),
	}, nil
}

func TestAgent_ReflectionFeedsBackIntoPrompts(t *testing.T) {
	sink := &memorySink{}
	provider := &stubProvider{chat: []stubResult{
		{resp: ChatResponse{Content: toolPlanJSON("x")}},
		{resp: ChatResponse{Content: respondPlanJSON("done")}},
		{resp: ChatResponse{Content: respondPlanJSON("quick answer")}},
	}}
	h := newAgentHarness(t, provider, nil,
		WithReflector(&fixedReflector{content: "always verify tool output"}, sink))

	// Tool use makes the first task worth reflecting on.
	id := h.submit(t, "task one")
	h.awaitTerminal(t, id, EventTaskCompleted)
	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 1 })

	// The second task's thinker prompt carries the stored lesson.
	id2 := h.submit(t, "task two")
	h.awaitTerminal(t, id2, EventTaskCompleted)

	f, _ := h.registry.Get(id2)
	if len(f.Context.Reflections) != 1 || f.Context.Reflections[0] != "always verify tool output" {
		t.Fatalf("reflections = %+v", f.Context.Reflections)
	}
	provider.mu.Lock()
	prompt := provider.lastChat.Messages[0].Content
	provider.mu.Unlock()
	if !strings.Contains(prompt, "always verify tool output") {
		t.Error("thinker prompt missing the stored reflection")
	}
}
