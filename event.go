package cogito

import (
	"strconv"
	"time"
)

// EventType identifies the kind of an Event. The numeric space is partitioned
// into ranges so that an event's type doubles as its default dispatch
// priority: lower values dispatch first.
//
//	  0– 99  system
//	100–199  external input
//	200–299  task lifecycle
//	300–399  cognitive
//	400–499  tools
//	500–549  auth
type EventType int

const (
	// System (0–99).
	EventShutdown EventType = 10

	// External input (100–199).
	EventMessageReceived   EventType = 100
	EventWebhookReceived   EventType = 110
	EventScheduleTriggered EventType = 120

	// Task lifecycle (200–299).
	EventTaskCreated   EventType = 200
	EventTaskCompleted EventType = 210
	EventTaskFailed    EventType = 220
	EventTaskSuspended EventType = 230
	EventTaskResumed   EventType = 240

	// Cognitive (300–399).
	EventReasonDone    EventType = 300
	EventNeedMoreInfo  EventType = 310
	EventStepCompleted EventType = 320

	// Tools (400–499).
	EventToolCallRequested EventType = 400
	EventToolCallCompleted EventType = 410
	EventToolCallFailed    EventType = 420

	// Auth (500–549).
	EventAuthRequired  EventType = 500
	EventAuthCompleted EventType = 510
)

// EventAny is the wildcard subscription key: handlers registered under it
// receive every event the bus dispatches.
const EventAny EventType = -1

// eventNames maps each EventType to the uppercase token used in persisted
// JSONL logs. Readers of those logs match on these tokens, so they are part
// of the on-disk contract and must never change for an existing type.
var eventNames = map[EventType]string{
	EventShutdown:          "SHUTDOWN",
	EventMessageReceived:   "MESSAGE_RECEIVED",
	EventWebhookReceived:   "WEBHOOK_RECEIVED",
	EventScheduleTriggered: "SCHEDULE_TRIGGERED",
	EventTaskCreated:       "TASK_CREATED",
	EventTaskCompleted:     "TASK_COMPLETED",
	EventTaskFailed:        "TASK_FAILED",
	EventTaskSuspended:     "TASK_SUSPENDED",
	EventTaskResumed:       "TASK_RESUMED",
	EventReasonDone:        "REASON_DONE",
	EventNeedMoreInfo:      "NEED_MORE_INFO",
	EventStepCompleted:     "STEP_COMPLETED",
	EventToolCallRequested: "TOOL_CALL_REQUESTED",
	EventToolCallCompleted: "TOOL_CALL_COMPLETED",
	EventToolCallFailed:    "TOOL_CALL_FAILED",
	EventAuthRequired:      "AUTH_REQUIRED",
	EventAuthCompleted:     "AUTH_COMPLETED",
}

// eventTypesByName is the inverse of eventNames, used when replaying
// persisted logs.
var eventTypesByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventNames))
	for t, n := range eventNames {
		m[n] = t
	}
	return m
}()

// String returns the uppercase token for t, or "UNKNOWN(n)" for types
// outside the enumeration.
func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// Event is one immutable record on the bus. Construct with NewEvent; never
// mutate after emission; handlers for the same event run concurrently.
type Event struct {
	ID            string
	Type          EventType
	Timestamp     time.Time
	Source        string
	TaskID        string
	Payload       map[string]any
	ParentEventID string

	// priority overrides the type-derived dispatch priority when >= 0.
	priority int
}

// EventOption customizes an Event at construction time.
type EventOption func(*Event)

// WithTaskID scopes the event to a task.
func WithTaskID(taskID string) EventOption {
	return func(e *Event) { e.TaskID = taskID }
}

// WithPayload attaches the event payload. The map is treated as read-only
// after construction.
func WithPayload(p map[string]any) EventOption {
	return func(e *Event) { e.Payload = p }
}

// WithParent records the causing event's ID.
func WithParent(parentID string) EventOption {
	return func(e *Event) { e.ParentEventID = parentID }
}

// WithPriority overrides the type-derived dispatch priority. Lower values
// dispatch first.
func WithPriority(p int) EventOption {
	return func(e *Event) { e.priority = p }
}

// NewEvent creates an Event with a fresh short ID and the current timestamp.
func NewEvent(t EventType, source string, opts ...EventOption) Event {
	e := Event{
		ID:        NewShortID(),
		Type:      t,
		Timestamp: time.Now(),
		Source:    source,
		priority:  -1,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// EffectivePriority returns the dispatch priority: the explicit override when
// set, otherwise the numeric value of the event type.
func (e Event) EffectivePriority() int {
	if e.priority >= 0 {
		return e.priority
	}
	return int(e.Type)
}
