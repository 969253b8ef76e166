package cogito

import (
	"sort"
	"strings"
	"sync"
)

// Skill context modes. A fork skill runs as its own background task; an
// inline skill splices its body into the current conversation turn.
const (
	SkillModeFork   = "fork"
	SkillModeInline = "inline"
)

// Skill is a named, reusable prompt routine invocable as /name from the
// conversation.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Body        string `json:"body"`
	ContextMode string `json:"context_mode"` // fork | inline
}

// SkillRegistry holds skills keyed by name, with priority-based override so
// user-defined skills can shadow builtins.
type SkillRegistry struct {
	mu         sync.RWMutex
	skills     map[string]Skill
	priorities map[string]int
}

// NewSkillRegistry creates an empty registry.
func NewSkillRegistry() *SkillRegistry {
	return &SkillRegistry{
		skills:     make(map[string]Skill),
		priorities: make(map[string]int),
	}
}

// Register adds sk at the given priority. An existing entry is replaced only
// by an equal or higher priority.
func (r *SkillRegistry) Register(sk Skill, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.priorities[sk.Name]; ok && cur > priority {
		return
	}
	if sk.ContextMode == "" {
		sk.ContextMode = SkillModeInline
	}
	r.skills[sk.Name] = sk
	r.priorities[sk.Name] = priority
}

// Find returns the skill registered under name.
func (r *SkillRegistry) Find(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sk, ok := r.skills[name]
	return sk, ok
}

// Names returns the registered skill names, sorted.
func (r *SkillRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for name := range r.skills {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseSkillInvocation recognizes "/name rest of args" at the start of a
// message. It returns ok=false for anything else, including a bare "/".
func ParseSkillInvocation(text string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return "", "", false
	}
	rest := trimmed[1:]
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		return rest[:i], strings.TrimSpace(rest[i:]), true
	}
	return rest, "", true
}

// Render splices the invocation arguments into the skill body. The body may
// reference {{args}}; without the placeholder, non-empty args are appended.
func (sk Skill) Render(args string) string {
	if strings.Contains(sk.Body, "{{args}}") {
		return strings.ReplaceAll(sk.Body, "{{args}}", args)
	}
	if args == "" {
		return sk.Body
	}
	return sk.Body + "\n\n" + args
}
