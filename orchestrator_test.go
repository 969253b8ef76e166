package cogito

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// replyRecorder captures delivered conversation output.
type replyRecorder struct {
	mu  sync.Mutex
	got []string
}

func (r *replyRecorder) Deliver(_ context.Context, text string) error {
	r.mu.Lock()
	r.got = append(r.got, text)
	r.mu.Unlock()
	return nil
}

func (r *replyRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	copy(out, r.got)
	return out
}

func (r *replyRecorder) contains(sub string) bool {
	for _, s := range r.snapshot() {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type orchHarness struct {
	*agentHarness
	orch    *Orchestrator
	session *SessionStore
	skills  *SkillRegistry
	replies *replyRecorder
}

func newOrchHarness(t *testing.T, provider *stubProvider, opts ...OrchestratorOption) *orchHarness {
	t.Helper()
	h := newAgentHarness(t, provider, nil)

	session, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oh := &orchHarness{
		agentHarness: h,
		session:      session,
		skills:       NewSkillRegistry(),
		replies:      &replyRecorder{},
	}
	oh.orch = NewOrchestrator(h.agent, provider, session, oh.skills, oh.replies, opts...)
	if err := oh.orch.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		oh.orch.Stop(stopCtx)
	})
	return oh
}

func toolCallResp(name, args string) ChatResponse {
	return ChatResponse{ToolCalls: []ToolCall{{ID: NewShortID(), Name: name, Args: json.RawMessage(args)}}}
}

func TestOrchestrator_BareTextReply(t *testing.T) {
	provider := &stubProvider{tools: []stubResult{
		{resp: ChatResponse{Content: "hi there"}},
	}}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("hello", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("hi there") })

	msgs := oh.session.Messages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("transcript = %+v", msgs)
	}
}

func TestOrchestrator_ReplyToolCall(t *testing.T) {
	provider := &stubProvider{tools: []stubResult{
		{resp: toolCallResp("reply", `{"text":"direct answer"}`)},
	}}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("question", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("direct answer") })

	msgs := oh.session.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.Content != "delivered" {
		t.Errorf("last message = %+v", last)
	}
}

func TestOrchestrator_UnknownSkill(t *testing.T) {
	provider := &stubProvider{}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("/nope do it", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("Unknown skill: /nope") })

	if provider.chatCount() != 0 || provider.toolCount() != 0 {
		t.Error("unknown skill still reached the model")
	}
}

func TestOrchestrator_InlineSkillExpandsInPlace(t *testing.T) {
	provider := &stubProvider{tools: []stubResult{
		{resp: ChatResponse{Content: "shouting done"}},
	}}
	oh := newOrchHarness(t, provider)
	oh.skills.Register(Skill{Name: "shout", Body: "SHOUT: {{args}}", ContextMode: SkillModeInline}, 0)

	oh.orch.HandleMessage("/shout hello", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("shouting done") })

	msgs := oh.session.Messages()
	if msgs[0].Role != "user" || msgs[0].Content != "SHOUT: hello" {
		t.Errorf("expanded message = %+v", msgs[0])
	}
}

func TestOrchestrator_ForkSkillRunsAsTask(t *testing.T) {
	provider := &stubProvider{
		chat: []stubResult{
			{resp: ChatResponse{Content: respondPlanJSON("background result")}},
		},
		tools: []stubResult{
			{resp: ChatResponse{Content: "the background work finished"}},
		},
	}
	oh := newOrchHarness(t, provider)
	oh.skills.Register(Skill{Name: "bg", Description: "background job", Body: "Do it: {{args}}", ContextMode: SkillModeFork}, 0)

	oh.orch.HandleMessage("/bg now", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("Running /bg in the background.") })
	// The completed task flows back as a notification and a follow-up reply.
	waitUntil(t, 3*time.Second, func() bool { return oh.replies.contains("the background work finished") })

	var sawNotification bool
	for _, m := range oh.session.Messages() {
		if m.Role == "user" && strings.Contains(m.Content, "completed] background result") {
			sawNotification = true
		}
	}
	if !sawNotification {
		t.Error("task notification not folded into the transcript")
	}
}

func TestOrchestrator_SpawnSubagentAndSurfaceResult(t *testing.T) {
	provider := &stubProvider{
		chat: []stubResult{
			{resp: ChatResponse{Content: respondPlanJSON("42")}},
		},
		tools: []stubResult{
			{resp: toolCallResp("spawn_subagent", `{"input":"compute the answer"}`)},
			{resp: toolCallResp("reply", `{"text":"The answer is 42."}`)},
		},
	}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("work this out", "cli")
	waitUntil(t, 3*time.Second, func() bool { return oh.replies.contains("The answer is 42.") })

	var sawSpawn bool
	for _, m := range oh.session.Messages() {
		if m.Role == "tool" && strings.HasPrefix(m.Content, "started task ") {
			sawSpawn = true
		}
	}
	if !sawSpawn {
		t.Error("spawn result not recorded in the transcript")
	}
}

func TestOrchestrator_ThinkRoundCap(t *testing.T) {
	// The model keeps resuming a task that does not exist, never concluding.
	provider := &stubProvider{tools: []stubResult{
		{resp: toolCallResp("resume_task", `{"task_id":"ghost","input":"x"}`)},
	}}
	oh := newOrchHarness(t, provider, WithMaxThinkRounds(2))

	oh.orch.HandleMessage("loop forever", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("I got stuck") })
}

func TestOrchestrator_MultipleToolCallsAllExecute(t *testing.T) {
	// One turn: reply to the user and follow up on a missing task. Both
	// calls must run and both results must land in the transcript.
	provider := &stubProvider{tools: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "reply", Args: json.RawMessage(`{"text":"partial answer"}`)},
			{ID: "c2", Name: "resume_task", Args: json.RawMessage(`{"task_id":"missing","input":"x"}`)},
		}}},
		{resp: ChatResponse{Content: "follow-up done"}},
	}}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("two things please", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("follow-up done") })

	if !oh.replies.contains("partial answer") {
		t.Errorf("first call's reply was not delivered")
	}

	var calls int
	var gotReplyResult, gotResumeResult bool
	for _, m := range oh.session.Messages() {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			calls = len(m.ToolCalls)
		}
		if m.Role == "tool" && m.ToolCallID == "c1" && m.Content == "delivered" {
			gotReplyResult = true
		}
		if m.Role == "tool" && m.ToolCallID == "c2" && strings.HasPrefix(m.Content, "error:") {
			gotResumeResult = true
		}
	}
	if calls != 2 {
		t.Errorf("assistant message recorded %d tool calls, want 2", calls)
	}
	if !gotReplyResult || !gotResumeResult {
		t.Errorf("tool results incomplete: reply=%v resume=%v", gotReplyResult, gotResumeResult)
	}
}

func TestOrchestrator_FollowUpRoundCompacts(t *testing.T) {
	// The first round's tool-call error grows the transcript past the gate;
	// the follow-up round must compact before calling the model again.
	provider := &stubProvider{
		chat: []stubResult{
			{resp: ChatResponse{Content: "a compact summary"}},
		},
		tools: []stubResult{
			{resp: toolCallResp("resume_task", `{"task_id":"ghost","input":"x"}`)},
			{resp: ChatResponse{Content: "after compaction"}},
		},
	}
	oh := newOrchHarness(t, provider,
		WithContextWindow(20),
		WithCompactThreshold(0.5))

	oh.orch.HandleMessage("hi", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("after compaction") })

	msgs := oh.session.Messages()
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "a compact summary") {
		t.Errorf("post-compaction seed = %+v", msgs[0])
	}
}

func TestOrchestrator_UnknownToolCallRetries(t *testing.T) {
	provider := &stubProvider{tools: []stubResult{
		{resp: toolCallResp("transmogrify", `{}`)},
		{resp: ChatResponse{Content: "recovered"}},
	}}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("hello", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("recovered") })

	var sawError bool
	for _, m := range oh.session.Messages() {
		if m.Role == "tool" && strings.Contains(m.Content, "unknown action transmogrify") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("unknown action error not in the transcript")
	}
}

func TestOrchestrator_LLMFailureDeliversClassifiedMessage(t *testing.T) {
	provider := &stubProvider{tools: []stubResult{
		{err: &ErrLLM{Provider: "stub", Status: 401, Message: "bad key"}},
	}}
	oh := newOrchHarness(t, provider)

	oh.orch.HandleMessage("hello", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("rejected my credentials") })
}

func TestOrchestrator_CompactionArchivesAndReflects(t *testing.T) {
	sink := &memorySink{}
	provider := &stubProvider{
		chat: []stubResult{
			{resp: ChatResponse{Content: "a tidy summary"}},
			{resp: ChatResponse{Content: "the user prefers short answers"}},
		},
		tools: []stubResult{
			{resp: ChatResponse{Content: "ok"}},
		},
	}
	oh := newOrchHarness(t, provider,
		WithContextWindow(20),
		WithCompactThreshold(0.5),
		WithConversationReflection(sink))

	// Enough back-and-forth to make the archived segment worth reflecting on.
	oh.session.Append(
		UserMessage("first question about the project"),
		AssistantMessage("first detailed answer"),
		UserMessage("second question about the details"),
		AssistantMessage("second detailed answer"),
		AssistantMessage("a follow-up note"),
	)

	oh.orch.HandleMessage("and one more thing", "cli")
	waitUntil(t, 2*time.Second, func() bool { return oh.replies.contains("ok") })

	msgs := oh.session.Messages()
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "a tidy summary") {
		t.Errorf("post-compaction seed = %+v", msgs[0])
	}

	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	r := sink.saved[0]
	sink.mu.Unlock()
	if r.TaskType != "conversation" || r.Content != "the user prefers short answers" {
		t.Errorf("reflection = %+v", r)
	}
}
