package cogito

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// crashRecoveryError is the exact error string appended for tasks found
// pending after a restart.
const crashRecoveryError = "process restarted, task cancelled"

const taskDateLayout = "2006-01-02"

// taskRecord is one line of a task's JSONL log. Readers must tolerate
// unknown event tokens and skip them.
type taskRecord struct {
	TS     int64           `json:"ts"`
	Event  string          `json:"event"`
	TaskID string          `json:"taskId"`
	Data   json.RawMessage `json:"data"`
}

// indexRecord is one line of tasks/index.jsonl. Replay is last-write-wins.
type indexRecord struct {
	TaskID string `json:"taskId"`
	Date   string `json:"date"`
}

// pendingEntry is one element of tasks/pending.json.
type pendingEntry struct {
	TaskID string `json:"taskId"`
	TS     int64  `json:"ts"`
}

// taskDelta is the per-event payload schema: the minimum state change each
// persisted event carries, per the on-disk contract. Fields are omitempty so
// every event serializes only what it touched.
type taskDelta struct {
	// TASK_CREATED
	InputText     string         `json:"inputText,omitempty"`
	Source        string         `json:"source,omitempty"`
	InputMetadata map[string]any `json:"inputMetadata,omitempty"`
	TaskType      string         `json:"taskType,omitempty"`
	Description   string         `json:"description,omitempty"`

	// REASON_DONE / NEED_MORE_INFO / TASK_SUSPENDED
	Reasoning   map[string]any `json:"reasoning,omitempty"`
	Plan        *Plan          `json:"plan,omitempty"`
	NewMessages []ChatMessage  `json:"newMessages,omitempty"`
	Question    string         `json:"question,omitempty"`

	// STEP_COMPLETED / TOOL_CALL_COMPLETED / TOOL_CALL_FAILED
	ActionsCount int           `json:"actionsCount,omitempty"`
	Action       *ActionRecord `json:"action,omitempty"`

	// TASK_SUSPENDED / TASK_RESUMED
	SuspendedState string `json:"suspendedState,omitempty"`
	SuspendReason  string `json:"suspendReason,omitempty"`
	NewInput       string `json:"newInput,omitempty"`
	PreviousState  string `json:"previousState,omitempty"`

	// TASK_COMPLETED / TASK_FAILED
	FinalResult map[string]any `json:"finalResult,omitempty"`
	Iterations  int            `json:"iterations,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// persistedEvents is the set of event types that append a log line.
var persistedEvents = []EventType{
	EventTaskCreated, EventReasonDone, EventToolCallCompleted,
	EventToolCallFailed, EventStepCompleted, EventNeedMoreInfo,
	EventTaskSuspended, EventTaskResumed, EventTaskCompleted, EventTaskFailed,
}

// TaskPersister is the append-only durable log of every event that mutates a
// task. It subscribes to the bus and writes one JSONL line per event; a
// write failure is logged as a warning and never blocks the triggering
// event.
type TaskPersister struct {
	root   string // {dataDir}/tasks
	logger *slog.Logger

	// pendingMu serializes the read-modify-write of pending.json so
	// concurrent task completions cannot lose entries.
	pendingMu sync.Mutex

	pathMu sync.Mutex
	paths  map[string]string // taskID -> jsonl path
}

// PersisterOption configures a TaskPersister.
type PersisterOption func(*TaskPersister)

// WithPersisterLogger sets the structured logger.
func WithPersisterLogger(l *slog.Logger) PersisterOption {
	return func(p *TaskPersister) { p.logger = l }
}

// NewTaskPersister creates a persister rooted at {dataDir}/tasks.
func NewTaskPersister(dataDir string, opts ...PersisterOption) (*TaskPersister, error) {
	p := &TaskPersister{
		root:   filepath.Join(dataDir, "tasks"),
		logger: nopLogger,
		paths:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return nil, fmt.Errorf("persister: create root: %w", err)
	}
	return p, nil
}

// Attach subscribes the persister to every task-mutating event type.
func (p *TaskPersister) Attach(bus *EventBus) {
	for _, t := range persistedEvents {
		bus.Subscribe(t, p.handle)
	}
}

// handle appends the event's delta line and maintains index and pending.
func (p *TaskPersister) handle(_ context.Context, ev Event) error {
	if ev.TaskID == "" {
		return nil
	}

	data, err := json.Marshal(ev.Payload)
	if err != nil {
		p.logger.Warn("persist: marshal payload", "task", ev.TaskID, "event", ev.Type.String(), "error", err)
		return nil
	}
	rec := taskRecord{
		TS:     NowMillis(),
		Event:  ev.Type.String(),
		TaskID: ev.TaskID,
		Data:   data,
	}

	path := p.pathFor(ev.TaskID, ev.Type == EventTaskCreated)
	if err := appendJSONL(path, rec); err != nil {
		p.logger.Warn("persist: append failed", "task", ev.TaskID, "event", ev.Type.String(), "error", err)
		return nil
	}

	switch ev.Type {
	case EventTaskCreated:
		if err := appendJSONL(p.indexPath(), indexRecord{TaskID: ev.TaskID, Date: time.Now().Format(taskDateLayout)}); err != nil {
			p.logger.Warn("persist: index append failed", "task", ev.TaskID, "error", err)
		}
		p.addPending(ev.TaskID)
	case EventTaskResumed:
		p.addPending(ev.TaskID)
	case EventTaskCompleted, EventTaskFailed:
		p.removePending(ev.TaskID)
	}
	return nil
}

// pathFor returns the JSONL path for a task, creating the dated directory
// for new tasks and consulting the index for tasks from earlier runs.
func (p *TaskPersister) pathFor(taskID string, create bool) string {
	p.pathMu.Lock()
	defer p.pathMu.Unlock()
	if path, ok := p.paths[taskID]; ok {
		return path
	}
	if !create {
		if path, ok := p.resolveFromIndex(taskID); ok {
			p.paths[taskID] = path
			return path
		}
	}
	date := time.Now().Format(taskDateLayout)
	dir := filepath.Join(p.root, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Warn("persist: create date dir", "dir", dir, "error", err)
	}
	path := filepath.Join(dir, taskID+".jsonl")
	p.paths[taskID] = path
	return path
}

// ResolveTaskPath returns the JSONL path for a task by consulting the index.
func (p *TaskPersister) ResolveTaskPath(taskID string) (string, bool) {
	p.pathMu.Lock()
	defer p.pathMu.Unlock()
	if path, ok := p.paths[taskID]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return p.resolveFromIndex(taskID)
}

// resolveFromIndex scans index.jsonl last-write-wins. Callers hold pathMu.
func (p *TaskPersister) resolveFromIndex(taskID string) (string, bool) {
	f, err := os.Open(p.indexPath())
	if err != nil {
		return "", false
	}
	defer f.Close()

	date := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec indexRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.TaskID == taskID {
			date = rec.Date
		}
	}
	if date == "" {
		return "", false
	}
	path := filepath.Join(p.root, date, taskID+".jsonl")
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (p *TaskPersister) indexPath() string   { return filepath.Join(p.root, "index.jsonl") }
func (p *TaskPersister) pendingPath() string { return filepath.Join(p.root, "pending.json") }

// --- pending set ---

func (p *TaskPersister) addPending(taskID string) {
	p.updatePending(func(entries []pendingEntry) []pendingEntry {
		for _, e := range entries {
			if e.TaskID == taskID {
				return entries
			}
		}
		return append(entries, pendingEntry{TaskID: taskID, TS: NowMillis()})
	})
}

func (p *TaskPersister) removePending(taskID string) {
	p.updatePending(func(entries []pendingEntry) []pendingEntry {
		out := entries[:0]
		for _, e := range entries {
			if e.TaskID != taskID {
				out = append(out, e)
			}
		}
		return out
	})
}

// updatePending performs a serialized read-modify-write of pending.json,
// rewriting atomically (temp file + rename) so readers never see a partial
// array.
func (p *TaskPersister) updatePending(fn func([]pendingEntry) []pendingEntry) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	entries := p.readPendingLocked()
	entries = fn(entries)
	if entries == nil {
		entries = []pendingEntry{}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		p.logger.Warn("persist: marshal pending", "error", err)
		return
	}
	tmp := p.pendingPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Warn("persist: write pending temp", "error", err)
		return
	}
	if err := os.Rename(tmp, p.pendingPath()); err != nil {
		p.logger.Warn("persist: rename pending", "error", err)
	}
}

func (p *TaskPersister) readPendingLocked() []pendingEntry {
	data, err := os.ReadFile(p.pendingPath())
	if err != nil {
		return nil
	}
	var entries []pendingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		p.logger.Warn("persist: pending.json corrupt, resetting", "error", err)
		return nil
	}
	return entries
}

// Pending returns the current pending task IDs.
func (p *TaskPersister) Pending() []string {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	entries := p.readPendingLocked()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TaskID)
	}
	return out
}

// RecoverPending force-fails every task left pending by a previous process:
// each gets a TASK_FAILED record appended to its log, then pending.json is
// cleared. It returns the recovered task IDs so the caller can fire failure
// notifications.
func (p *TaskPersister) RecoverPending() ([]string, error) {
	p.pendingMu.Lock()
	entries := p.readPendingLocked()
	p.pendingMu.Unlock()

	var recovered []string
	for _, e := range entries {
		path, ok := p.ResolveTaskPath(e.TaskID)
		if !ok {
			p.logger.Warn("recovery: no log for pending task", "task", e.TaskID)
			recovered = append(recovered, e.TaskID)
			continue
		}
		data, _ := json.Marshal(taskDelta{Error: crashRecoveryError})
		rec := taskRecord{
			TS:     NowMillis(),
			Event:  EventTaskFailed.String(),
			TaskID: e.TaskID,
			Data:   data,
		}
		if err := appendJSONL(path, rec); err != nil {
			p.logger.Warn("recovery: append failed", "task", e.TaskID, "error", err)
		}
		recovered = append(recovered, e.TaskID)
	}

	p.updatePending(func([]pendingEntry) []pendingEntry { return nil })
	return recovered, nil
}

// --- replay ---

// Replay reads a task's JSONL log and folds each event's delta into a fresh
// TaskContext, returning the context and the state the task was last
// observed in. Unknown event tokens are skipped.
func Replay(path string) (*TaskContext, TaskState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("replay: %w", err)
	}
	defer f.Close()

	tc := &TaskContext{}
	state := StateIdle

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec taskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, "", fmt.Errorf("replay: bad line: %w", err)
		}
		t, known := eventTypesByName[rec.Event]
		if !known {
			continue
		}
		var d taskDelta
		if len(rec.Data) > 0 {
			if err := json.Unmarshal(rec.Data, &d); err != nil {
				return nil, "", fmt.Errorf("replay: bad %s delta: %w", rec.Event, err)
			}
		}
		state = foldDelta(tc, rec.TaskID, t, d, state)
	}
	if err := sc.Err(); err != nil {
		return nil, "", fmt.Errorf("replay: %w", err)
	}
	if tc.ID == "" {
		return nil, "", fmt.Errorf("replay: log %s has no TASK_CREATED", path)
	}

	// Everything replayed counts as already persisted.
	tc.msgCursor = len(tc.Messages)
	return tc, state, nil
}

// foldDelta applies one persisted event to the context under reconstruction.
func foldDelta(tc *TaskContext, taskID string, t EventType, d taskDelta, state TaskState) TaskState {
	switch t {
	case EventTaskCreated:
		tc.ID = taskID
		tc.InputText = d.InputText
		tc.Source = d.Source
		tc.InputMetadata = d.InputMetadata
		tc.TaskType = d.TaskType
		tc.Description = d.Description
		tc.Messages = append(tc.Messages, UserMessage(d.InputText))
		return StateReasoning

	case EventReasonDone:
		tc.Reasoning = d.Reasoning
		tc.Plan = d.Plan
		tc.Messages = append(tc.Messages, d.NewMessages...)
		return StateActing

	case EventToolCallCompleted, EventToolCallFailed, EventStepCompleted:
		tc.Messages = append(tc.Messages, d.NewMessages...)
		if d.Action != nil {
			tc.ActionsDone = append(tc.ActionsDone, *d.Action)
		}
		if d.Action != nil && tc.Plan != nil && d.Action.StepIndex < len(tc.Plan.Steps) {
			tc.Plan.Steps[d.Action.StepIndex].Completed = true
		}
		if tc.Plan.AllDone() {
			if tc.Plan.HasToolCalls() {
				return StateReasoning
			}
			return StateCompleted
		}
		return StateActing

	case EventNeedMoreInfo:
		tc.Reasoning = d.Reasoning
		tc.SuspendedState = StateReasoning
		tc.SuspendReason = "need more info"
		return StateSuspended

	case EventTaskSuspended:
		tc.Reasoning = d.Reasoning
		if d.Plan != nil {
			tc.Plan = d.Plan
		}
		tc.Messages = append(tc.Messages, d.NewMessages...)
		tc.SuspendedState = TaskState(d.SuspendedState)
		tc.SuspendReason = d.SuspendReason
		return StateSuspended

	case EventTaskResumed:
		if TaskState(d.PreviousState) == StateCompleted {
			tc.ResetForResume()
			tc.Messages = append(tc.Messages, UserMessage(d.NewInput))
			return StateReasoning
		}
		if d.NewInput != "" {
			tc.Messages = append(tc.Messages, UserMessage(d.NewInput))
		}
		if from := tc.SuspendedState; from != "" {
			tc.SuspendedState = ""
			tc.SuspendReason = ""
			return from
		}
		return StateReasoning

	case EventTaskCompleted:
		tc.FinalResult = d.FinalResult
		tc.Iteration = d.Iterations
		tc.Messages = append(tc.Messages, d.NewMessages...)
		return StateCompleted

	case EventTaskFailed:
		tc.Error = d.Error
		return StateFailed
	}
	return state
}

// appendJSONL marshals v and appends it as one newline-terminated line.
func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
