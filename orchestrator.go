package cogito

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Orchestrator defaults.
const (
	defaultContextWindow    = 200_000
	defaultCompactThreshold = 0.8
	defaultMaxThinkRounds   = 8
	defaultQueueSize        = 64
)

// Replier delivers orchestrator output to the user's channel.
type Replier interface {
	Deliver(ctx context.Context, text string) error
}

// ReplierFunc adapts a function to the Replier interface.
type ReplierFunc func(ctx context.Context, text string) error

func (f ReplierFunc) Deliver(ctx context.Context, text string) error { return f(ctx, text) }

type queueKind int

const (
	itemMessage queueKind = iota
	itemNotify
	itemThink
)

type queueItem struct {
	kind   queueKind
	text   string
	source string
	note   Notification
	round  int // think-round counter, guards runaway monologue loops
}

// Orchestrator runs the main conversation: a single serial worker drains a
// queue of user messages, task notifications, and inner-monologue think
// steps. Each think step is one ChatWithTools round where the model either
// replies, spawns a background task, resumes one, or invokes a skill.
type Orchestrator struct {
	agent    *Agent
	provider Provider
	session  *SessionStore
	skills   *SkillRegistry
	replier  Replier

	reflectionSink ReflectionSink // optional, for conversation reflections

	contextWindow    int
	compactThreshold float64
	maxThinkRounds   int

	// lastPromptTokens is the provider-reported size of the last prompt,
	// touched only by the worker goroutine.
	lastPromptTokens int

	queue   chan queueItem
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool

	promptOnce sync.Once
	sysPrompt  string

	logger *slog.Logger
	tracer Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithContextWindow sets the model context window used by the compaction
// gate.
func WithContextWindow(tokens int) OrchestratorOption {
	return func(o *Orchestrator) { o.contextWindow = tokens }
}

// WithCompactThreshold sets the fraction of the context window at which the
// session is compacted.
func WithCompactThreshold(frac float64) OrchestratorOption {
	return func(o *Orchestrator) { o.compactThreshold = frac }
}

// WithMaxThinkRounds caps inner-monologue rounds per queue item.
func WithMaxThinkRounds(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxThinkRounds = n }
}

// WithConversationReflection stores a reflection over each archived session
// segment.
func WithConversationReflection(sink ReflectionSink) OrchestratorOption {
	return func(o *Orchestrator) { o.reflectionSink = sink }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets the tracer for conversation spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the conversation loop over its collaborators.
func NewOrchestrator(agent *Agent, provider Provider, session *SessionStore, skills *SkillRegistry, replier Replier, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		agent:            agent,
		provider:         provider,
		session:          session,
		skills:           skills,
		replier:          replier,
		contextWindow:    defaultContextWindow,
		compactThreshold: defaultCompactThreshold,
		maxThinkRounds:   defaultMaxThinkRounds,
		queue:            make(chan queueItem, defaultQueueSize),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
		logger:           nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start hooks task notifications into the queue and launches the worker.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started.Swap(true) {
		return nil
	}
	o.agent.OnNotify(func(n Notification) {
		o.enqueue(queueItem{kind: itemNotify, note: n})
	})
	go o.worker(ctx)
	return nil
}

// Stop terminates the worker. Queued items not yet processed are dropped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.started.Swap(false) {
		return nil
	}
	close(o.quit)
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage enqueues one user message for the conversation loop.
func (o *Orchestrator) HandleMessage(text, source string) {
	o.enqueue(queueItem{kind: itemMessage, text: text, source: source})
}

func (o *Orchestrator) enqueue(item queueItem) {
	select {
	case o.queue <- item:
	default:
		o.logger.Warn("conversation queue full, item dropped", "kind", int(item.kind))
	}
}

// worker is the single consumer of the conversation queue. Serial processing
// is what keeps the session transcript free of interleaving.
func (o *Orchestrator) worker(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case <-ctx.Done():
			return
		case item := <-o.queue:
			o.process(ctx, item)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, item queueItem) {
	switch item.kind {
	case itemMessage:
		o.processMessage(ctx, item)
	case itemNotify:
		o.processNotify(ctx, item.note)
	case itemThink:
		o.thinkRound(ctx, item.round)
	}
}

// processMessage folds one user message into the session, expanding /skill
// invocations first, and starts a think round.
func (o *Orchestrator) processMessage(ctx context.Context, item queueItem) {
	text := item.text

	if name, args, ok := ParseSkillInvocation(text); ok {
		if sk, found := o.skills.Find(name); found {
			if sk.ContextMode == SkillModeFork {
				o.forkSkill(ctx, sk, args)
				return
			}
			text = sk.Render(args)
		} else {
			o.deliver(ctx, fmt.Sprintf("Unknown skill: /%s", name))
			return
		}
	}

	o.session.Append(UserMessage(text))
	o.enqueue(queueItem{kind: itemThink, round: 1})
}

// forkSkill runs a fork-mode skill as its own background task.
func (o *Orchestrator) forkSkill(ctx context.Context, sk Skill, args string) {
	taskID, err := o.agent.Submit(ctx, sk.Render(args), "skill:"+sk.Name, DefaultTaskType, sk.Description)
	if err != nil {
		o.deliver(ctx, fmt.Sprintf("Could not start skill %s: %v", sk.Name, err))
		return
	}
	o.session.Append(SystemMessage(fmt.Sprintf("Skill %s started as background task %s.", sk.Name, taskID)))
	o.deliver(ctx, fmt.Sprintf("Running /%s in the background.", sk.Name))
}

// processNotify converts a task notification into a synthetic user turn so
// the model decides how to surface the outcome.
func (o *Orchestrator) processNotify(ctx context.Context, n Notification) {
	var text string
	switch n.Type {
	case NotifyCompleted:
		response, _ := n.Result["response"].(string)
		text = fmt.Sprintf("[background task %s completed] %s", n.TaskID, response)
	case NotifyFailed:
		text = fmt.Sprintf("[background task %s failed] %s", n.TaskID, n.Error)
	default:
		text = fmt.Sprintf("[background task %s] %s", n.TaskID, n.Message)
	}
	o.session.Append(UserMessage(text))
	o.enqueue(queueItem{kind: itemThink, round: 1})
}

// --- inner monologue ---

// conversationTools are the model's terminal and continuation actions for
// one think round.
var conversationTools = []ToolDefinition{
	{
		Name:        "reply",
		Description: "Send a message to the user. Ends this round.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	},
	{
		Name:        "spawn_subagent",
		Description: "Start a background task for work that needs tools or multiple steps. Ends this round; the result arrives later as a task notification.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"task_type":{"type":"string"},"description":{"type":"string"},"input":{"type":"string"}},"required":["input"]}`),
	},
	{
		Name:        "resume_task",
		Description: "Resume a completed background task with new input.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"task_id":{"type":"string"},"input":{"type":"string"}},"required":["task_id","input"]}`),
	},
	{
		Name:        "use_skill",
		Description: "Invoke a registered skill by name.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"args":{"type":"string"}},"required":["name"]}`),
	},
}

// systemPrompt builds the conversation system prompt once.
func (o *Orchestrator) systemPrompt() string {
	o.promptOnce.Do(func() {
		var b strings.Builder
		b.WriteString("You are the conversational front of a task-running assistant.\n")
		b.WriteString("Each turn, choose your next action via the provided tools:\n")
		b.WriteString("use reply for anything you can answer directly; use spawn_subagent\n")
		b.WriteString("for work that needs tools or multiple steps; use resume_task to\n")
		b.WriteString("follow up on a completed task; use use_skill for a registered skill.\n")
		if names := o.skills.Names(); len(names) > 0 {
			b.WriteString("\nAvailable skills: " + strings.Join(names, ", ") + "\n")
		}
		o.sysPrompt = b.String()
	})
	return o.sysPrompt
}

// thinkRound runs one ChatWithTools round over the session transcript and
// acts on every tool call in the response. reply and spawn_subagent end the
// round; any other call folds its result into the session and queues another
// round. The compaction check runs before the model call so follow-up rounds
// cannot grow the transcript past the gate.
func (o *Orchestrator) thinkRound(ctx context.Context, round int) {
	if round > o.maxThinkRounds {
		o.logger.Warn("think rounds exhausted", "rounds", round-1)
		o.deliver(ctx, "I got stuck deciding how to proceed. Could you rephrase?")
		return
	}

	o.maybeCompact(ctx)

	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "conversation.think", IntAttr("round", round))
		defer span.End()
	}

	msgs := append([]ChatMessage{SystemMessage(o.systemPrompt())}, o.session.Messages()...)
	resp, err := o.provider.ChatWithTools(ctx, ChatRequest{Messages: msgs}, conversationTools)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		o.deliverError(ctx, err)
		return
	}
	o.lastPromptTokens = resp.Usage.InputTokens

	if len(resp.ToolCalls) == 0 {
		// Bare text counts as a reply.
		o.session.Append(AssistantMessage(resp.Content))
		o.deliver(ctx, resp.Content)
		return
	}

	o.session.Append(ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

	followUp := false
	for _, call := range resp.ToolCalls {
		if o.execTurnCall(ctx, call) {
			followUp = true
		}
	}
	if followUp {
		o.enqueue(queueItem{kind: itemThink, round: round + 1})
	}
}

// execTurnCall runs one conversation tool call and appends its result to the
// session. It reports whether the outcome needs a follow-up think round.
func (o *Orchestrator) execTurnCall(ctx context.Context, call ToolCall) bool {
	var args struct {
		Text        string `json:"text"`
		TaskType    string `json:"task_type"`
		Description string `json:"description"`
		Input       string `json:"input"`
		TaskID      string `json:"task_id"`
		Name        string `json:"name"`
		Args        string `json:"args"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		o.session.Append(ToolResultMessage(call.ID, "error: malformed arguments"))
		return true
	}

	switch call.Name {
	case "reply":
		o.session.Append(ToolResultMessage(call.ID, "delivered"))
		o.deliver(ctx, args.Text)
		return false

	case "spawn_subagent":
		taskType := args.TaskType
		if taskType == "" {
			taskType = DefaultTaskType
		}
		taskID, err := o.agent.Submit(ctx, args.Input, "conversation", taskType, args.Description)
		if err != nil {
			o.session.Append(ToolResultMessage(call.ID, "error: "+err.Error()))
			return true
		}
		o.session.Append(ToolResultMessage(call.ID, "started task "+taskID))
		o.logger.Info("background task spawned", "task", taskID, "taskType", taskType)
		return false

	case "resume_task":
		if err := o.agent.Resume(ctx, args.TaskID, args.Input); err != nil {
			o.session.Append(ToolResultMessage(call.ID, "error: "+err.Error()))
		} else {
			o.session.Append(ToolResultMessage(call.ID, "task "+args.TaskID+" resumed"))
		}
		return true

	case "use_skill":
		sk, found := o.skills.Find(args.Name)
		if !found {
			o.session.Append(ToolResultMessage(call.ID, "error: unknown skill "+args.Name))
			return true
		}
		if sk.ContextMode == SkillModeFork {
			o.session.Append(ToolResultMessage(call.ID, "skill forked"))
			o.forkSkill(ctx, sk, args.Args)
			return false
		}
		o.session.Append(ToolResultMessage(call.ID, sk.Render(args.Args)))
		return true

	default:
		o.session.Append(ToolResultMessage(call.ID, "error: unknown action "+call.Name))
		return true
	}
}

// deliver pushes text to the user's channel; delivery failures are logged.
func (o *Orchestrator) deliver(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := o.replier.Deliver(ctx, text); err != nil {
		o.logger.Warn("reply delivery failed", "error", err)
	}
}

// deliverError maps an LLM failure to a user-facing line by error class.
func (o *Orchestrator) deliverError(ctx context.Context, err error) {
	o.logger.Error("conversation llm call failed", "error", err)
	var text string
	switch ClassifyLLMError(err) {
	case ErrorClassAuth:
		text = "The model provider rejected my credentials. Check the API key configuration."
	case ErrorClassRateLimit:
		text = "The model provider is rate limiting me right now. Try again shortly."
	case ErrorClassLLM:
		text = "The model provider returned an error. Try again shortly."
	default:
		text = "Something went wrong talking to the model: " + err.Error()
	}
	o.deliver(ctx, text)
}

// --- compaction ---

// maybeCompact archives the session once the transcript approaches the
// context window. The gate uses the larger of the provider-reported prompt
// size and a local token count, so it works before the first model call too.
func (o *Orchestrator) maybeCompact(ctx context.Context) {
	used := CountMessageTokens(o.session.Messages())
	if o.lastPromptTokens > used {
		used = o.lastPromptTokens
	}
	if float64(used) < o.compactThreshold*float64(o.contextWindow) {
		return
	}

	msgs := o.session.Messages()
	summary, err := o.summarize(ctx, msgs)
	if err != nil {
		o.logger.Warn("session summarization failed, compaction skipped", "error", err)
		return
	}

	archive, err := o.session.Archive(summary)
	if err != nil {
		o.logger.Warn("session archive failed", "error", err)
		return
	}
	o.lastPromptTokens = 0
	o.logger.Info("session compacted", "archive", archive, "messages", len(msgs))

	if o.reflectionSink != nil && worthReflecting(msgs) {
		// Must not stall the conversation worker behind another LLM call.
		go o.reflectConversation(ctx, summary)
	}
}

// worthReflecting gates conversation reflections to segments with real
// back-and-forth: at least six messages including two user turns.
func worthReflecting(msgs []ChatMessage) bool {
	if len(msgs) < 6 {
		return false
	}
	users := 0
	for _, m := range msgs {
		if m.Role == "user" {
			users++
		}
	}
	return users >= 2
}

func (o *Orchestrator) summarize(ctx context.Context, msgs []ChatMessage) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	resp, err := o.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage("Summarize the conversation below, keeping decisions, open threads, and user preferences. Respond with the summary only."),
		UserMessage(b.String()),
	}})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

func (o *Orchestrator) reflectConversation(ctx context.Context, summary string) {
	resp, err := o.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage("From this conversation summary, write one short paragraph of durable guidance for future conversations with this user. Respond with the paragraph only."),
		UserMessage(summary),
	}})
	if err != nil {
		o.logger.Warn("conversation reflection failed", "error", err)
		return
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return
	}
	r := Reflection{
		ID:        NewID(),
		TaskType:  "conversation",
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := o.reflectionSink.SaveReflection(ctx, r); err != nil {
		o.logger.Warn("conversation reflection save failed", "error", err)
	}
}
