package cogito

import (
	"context"
	"encoding/json"
)

// Tool defines a capability with one or more tool functions. Implementations
// live outside the core; only this contract is specified here.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool's own execution. The executor wraps it
// in an ExecOutcome with timing and success classification.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds registered tools and dispatches execution by name.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Find returns the definition for name, if any tool declares it.
func (r *ToolRegistry) Find(name string) (ToolDefinition, bool) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return d, true
			}
		}
	}
	return ToolDefinition{}, false
}

// Has reports whether a tool named name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.Find(name)
	return ok
}

// Execute dispatches a tool call by name. An unknown name is a structured
// error result, not a Go error: the LLM sees it and may recover.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}
