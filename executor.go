package cogito

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Default and ceiling timeouts for a single tool execution. A per-call
// override may raise the default but never exceeds the ceiling.
const (
	defaultToolTimeout = 30 * time.Second
	maxToolTimeout     = 5 * time.Minute
)

// maxToolResultChars is the character budget for a tool result entering the
// session or task context. Larger results are truncated with a marker so the
// LLM knows content was trimmed.
const maxToolResultChars = 100_000

// ExecOutcome is what the executor reports for one call: the tool's result
// or failure, with timing. Validation errors, unknown tools, and timeouts
// all surface here as Success=false rather than as Go errors, so the flow
// continues and the LLM can recover on its next round.
type ExecOutcome struct {
	Success     bool      `json:"success"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// ToolStats accumulates per-tool call statistics.
type ToolStats struct {
	Calls         int64
	Failures      int64
	TotalDuration time.Duration
}

// ExecObserver receives a callback per finished tool call. The observer
// package provides an OTEL-metrics implementation.
type ExecObserver interface {
	ObserveTool(name string, d time.Duration, success bool)
}

// ExecOptions customize a single call.
type ExecOptions struct {
	// Timeout overrides the executor default for this call. Capped at the
	// absolute maximum.
	Timeout time.Duration
}

// ToolExecutor validates and executes tools by name.
//
// It emits TOOL_CALL_REQUESTED on entry but never emits completion events
// from inside Execute: the caller does that through EmitCompletion after the
// owning task's context reflects the result, so the FSM cannot observe a
// completion before the context does.
type ToolExecutor struct {
	registry *ToolRegistry
	bus      *EventBus

	defaultTimeout time.Duration
	logger         *slog.Logger
	tracer         Tracer
	observer       ExecObserver

	mu    sync.Mutex
	stats map[string]*ToolStats

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithExecTimeout sets the default per-call timeout.
func WithExecTimeout(d time.Duration) ExecutorOption {
	return func(e *ToolExecutor) { e.defaultTimeout = d }
}

// WithExecLogger sets the structured logger.
func WithExecLogger(l *slog.Logger) ExecutorOption {
	return func(e *ToolExecutor) { e.logger = l }
}

// WithExecTracer sets the tracer for per-call spans.
func WithExecTracer(t Tracer) ExecutorOption {
	return func(e *ToolExecutor) { e.tracer = t }
}

// WithExecObserver sets the metrics callback.
func WithExecObserver(o ExecObserver) ExecutorOption {
	return func(e *ToolExecutor) { e.observer = o }
}

// NewToolExecutor creates an executor over the given registry. The bus may
// be nil (no TOOL_CALL_REQUESTED events, useful in tests).
func NewToolExecutor(registry *ToolRegistry, bus *EventBus, opts ...ExecutorOption) *ToolExecutor {
	e := &ToolExecutor{
		registry:       registry,
		bus:            bus,
		defaultTimeout: defaultToolTimeout,
		logger:         nopLogger,
		stats:          make(map[string]*ToolStats),
		schemas:        make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates and runs the named tool, racing it against the timeout.
func (e *ToolExecutor) Execute(ctx context.Context, name string, args json.RawMessage, taskID string, opts ExecOptions) ExecOutcome {
	started := time.Now()
	if e.bus != nil {
		e.bus.Emit(NewEvent(EventToolCallRequested, "executor",
			WithTaskID(taskID),
			WithPayload(map[string]any{"tool": name, "args": string(args)})))
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "tool.execute",
			StringAttr("tool", name), StringAttr("task", taskID))
		defer span.End()
	}

	outcome := e.run(ctx, name, args, opts)
	outcome.StartedAt = started
	outcome.CompletedAt = time.Now()
	outcome.DurationMs = outcome.CompletedAt.Sub(started).Milliseconds()

	e.record(name, outcome)
	if span != nil && !outcome.Success {
		span.Error(fmt.Errorf("%s", outcome.Error))
	}
	if !outcome.Success {
		e.logger.Warn("tool call failed", "tool", name, "task", taskID, "error", outcome.Error)
	}
	return outcome
}

func (e *ToolExecutor) run(ctx context.Context, name string, args json.RawMessage, opts ExecOptions) ExecOutcome {
	def, ok := e.registry.Find(name)
	if !ok {
		return ExecOutcome{Error: "tool not found: " + name}
	}

	if err := e.validate(def, args); err != nil {
		return ExecOutcome{Error: fmt.Sprintf("invalid parameters for %s: %v", name, err)}
	}

	timeout := e.defaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout > maxToolTimeout {
		timeout = maxToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type res struct {
		tr  ToolResult
		err error
	}
	ch := make(chan res, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- res{err: fmt.Errorf("tool %q panic: %v", name, p)}
			}
		}()
		tr, err := e.registry.Execute(ctx, name, args)
		ch <- res{tr: tr, err: err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			return ExecOutcome{Error: r.err.Error()}
		case r.tr.Error != "":
			return ExecOutcome{Error: r.tr.Error}
		default:
			return ExecOutcome{Success: true, Result: r.tr.Content}
		}
	case <-ctx.Done():
		return ExecOutcome{Error: fmt.Sprintf("tool %s timed out after %s", name, timeout)}
	}
}

// EmitCompletion publishes the TOOL_CALL_COMPLETED or TOOL_CALL_FAILED event
// for an outcome. Call only after the owning task's context has been updated
// with the result.
func (e *ToolExecutor) EmitCompletion(taskID string, parentEventID string, payload map[string]any, success bool) {
	if e.bus == nil {
		return
	}
	t := EventToolCallCompleted
	if !success {
		t = EventToolCallFailed
	}
	e.bus.Emit(NewEvent(t, "executor",
		WithTaskID(taskID),
		WithParent(parentEventID),
		WithPayload(payload)))
}

// Stats returns a snapshot of per-tool call statistics.
func (e *ToolExecutor) Stats() map[string]ToolStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ToolStats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

func (e *ToolExecutor) record(name string, o ExecOutcome) {
	e.mu.Lock()
	s, ok := e.stats[name]
	if !ok {
		s = &ToolStats{}
		e.stats[name] = s
	}
	s.Calls++
	if !o.Success {
		s.Failures++
	}
	d := o.CompletedAt.Sub(o.StartedAt)
	s.TotalDuration += d
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.ObserveTool(name, d, o.Success)
	}
}

// validate checks args against the tool's declared JSON Schema. A tool with
// no declared parameters accepts anything.
func (e *ToolExecutor) validate(def ToolDefinition, args json.RawMessage) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	schema, err := e.compiled(def)
	if err != nil {
		// A broken schema is the tool author's bug; log and let the call
		// proceed rather than failing every invocation.
		e.logger.Warn("tool schema compile failed", "tool", def.Name, "error", err)
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(payload)
}

func (e *ToolExecutor) compiled(def ToolDefinition) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if s, ok := e.schemas[def.Name]; ok {
		return s, nil
	}
	var doc any
	if err := json.Unmarshal(def.Parameters, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + def.Name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	e.schemas[def.Name] = s
	return s, nil
}

// TruncateResult enforces the character budget for tool results entering a
// message history, appending an explicit marker when content was trimmed.
func TruncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	r := []rune(s)
	if len(r) <= maxToolResultChars {
		return s
	}
	return string(r[:maxToolResultChars]) + "\n\n[output truncated]"
}
