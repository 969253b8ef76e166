package cogito

import "context"

// Provider abstracts the language-model backend. The orchestrator and the
// Thinker treat it as a black box returning text plus tool-call requests.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions; the response may
	// contain tool calls.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}
