package cogito

import "sort"

// Subagent binds a task type to a tool allowlist and a scoped system prompt.
// The Thinker advertises only the subagent's tools, and the Agent rejects
// tool requests outside them with a synthetic failure, which is the safety
// net against prompt-injected tool calls.
type Subagent struct {
	Type         string
	SystemPrompt string
	Tools        *ToolRegistry
}

// Allowed reports whether the subagent may invoke the named tool.
// A subagent with a nil registry allows nothing.
func (s *Subagent) Allowed(tool string) bool {
	return s.Tools != nil && s.Tools.Has(tool)
}

// DefaultTaskType is the subagent used for submissions without an explicit
// task type.
const DefaultTaskType = "general"

// registered pairs a subagent with its registration priority so that
// re-registration under the same type resolves deterministically: the
// highest priority wins, letting user definitions override builtins.
type registered struct {
	sub      *Subagent
	priority int
}

// SubagentRegistry maps task types to subagent definitions.
type SubagentRegistry struct {
	byType map[string]registered
}

// Registration priorities. Anything above PriorityBuiltin overrides the
// builtin definition for the same type.
const (
	PriorityBuiltin = 0
	PriorityUser    = 100
)

// NewSubagentRegistry creates a registry seeded with a default subagent that
// carries the given tools and prompt.
func NewSubagentRegistry(defaultPrompt string, defaultTools *ToolRegistry) *SubagentRegistry {
	r := &SubagentRegistry{byType: make(map[string]registered)}
	r.Register(&Subagent{
		Type:         DefaultTaskType,
		SystemPrompt: defaultPrompt,
		Tools:        defaultTools,
	}, PriorityBuiltin)
	return r
}

// Register adds or overrides the subagent for its type. When the type is
// already registered, the higher priority wins; equal priority replaces
// (last write), which keeps RegisterAll deterministic within one source.
func (r *SubagentRegistry) Register(s *Subagent, priority int) {
	if cur, ok := r.byType[s.Type]; ok && cur.priority > priority {
		return
	}
	r.byType[s.Type] = registered{sub: s, priority: priority}
}

// RegisterAll registers many subagents under one priority.
func (r *SubagentRegistry) RegisterAll(subs []*Subagent, priority int) {
	for _, s := range subs {
		r.Register(s, priority)
	}
}

// Resolve returns the subagent for taskType, falling back to the default
// type. The second return is false only when neither exists.
func (r *SubagentRegistry) Resolve(taskType string) (*Subagent, bool) {
	if reg, ok := r.byType[taskType]; ok {
		return reg.sub, true
	}
	if reg, ok := r.byType[DefaultTaskType]; ok {
		return reg.sub, true
	}
	return nil, false
}

// Types returns the registered task types, sorted.
func (r *SubagentRegistry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
