package cogito

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// stubResult is one scripted provider response.
type stubResult struct {
	resp ChatResponse
	err  error
}

// stubProvider replays scripted responses. Chat and ChatWithTools consume
// separate queues; when a queue runs out the last entry repeats, so a test
// scripting "always return this plan" needs only one entry.
type stubProvider struct {
	mu        sync.Mutex
	chat      []stubResult
	tools     []stubResult
	chatCalls int
	toolCalls int
	lastChat  ChatRequest
	lastTools ChatRequest
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCalls++
	s.lastChat = req
	r := takeStub(&s.chat)
	return r.resp, r.err
}

func (s *stubProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls++
	s.lastTools = req
	r := takeStub(&s.tools)
	return r.resp, r.err
}

func (s *stubProvider) Name() string { return "stub" }

func takeStub(queue *[]stubResult) stubResult {
	if len(*queue) == 0 {
		return stubResult{err: fmt.Errorf("stub queue empty")}
	}
	r := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return r
}

func (s *stubProvider) chatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCalls
}

func (s *stubProvider) toolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCalls
}

var _ Provider = (*stubProvider)(nil)

// stubTool serves a fixed set of definitions and delegates execution to fn.
type stubTool struct {
	defs []ToolDefinition
	fn   func(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

func (t *stubTool) Definitions() []ToolDefinition { return t.defs }

func (t *stubTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.fn(ctx, name, args)
}

var _ Tool = (*stubTool)(nil)

// echoTool returns a registry with a single "echo" tool that reflects its
// "text" argument.
func echoTool() *ToolRegistry {
	reg := NewToolRegistry()
	reg.Add(&stubTool{
		defs: []ToolDefinition{{
			Name:        "echo",
			Description: "echoes text back",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		}},
		fn: func(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return ToolResult{Error: err.Error()}, nil
			}
			return ToolResult{Content: "echo: " + in.Text}, nil
		},
	})
	return reg
}

// respondPlanJSON scripts a thinker reply with a single respond step.
func respondPlanJSON(text string) string {
	return fmt.Sprintf(`{"goal":"answer","reasoning":"answerable from context","need_more_info":false,"steps":[{"description":"reply","action_type":"respond","action_params":{"response":%q}}]}`, text)
}

// toolPlanJSON scripts a thinker reply with a single echo tool call.
func toolPlanJSON(text string) string {
	return fmt.Sprintf(`{"goal":"look up","reasoning":"needs a tool","need_more_info":false,"steps":[{"description":"call echo","action_type":"tool_call","action_params":{"tool":"echo","params":{"text":%q}}}]}`, text)
}

// needInfoJSON scripts a thinker reply asking the user a question.
func needInfoJSON(question string) string {
	return fmt.Sprintf(`{"goal":"clarify","reasoning":"input is ambiguous","need_more_info":true,"question":%q,"steps":[]}`, question)
}

// appendRawLine appends one raw line to a file, for corrupting fixtures.
func appendRawLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
