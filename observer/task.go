package observer

import (
	"context"
	"sync"
	"time"

	"github.com/cogito-sh/cogito"

	"go.opentelemetry.io/otel/metric"
)

// TaskMetrics records task lifecycle counters and durations from bus events.
type TaskMetrics struct {
	inst *Instruments

	mu      sync.Mutex
	started map[string]time.Time
}

// NewTaskMetrics returns a bus listener that tracks task outcomes.
func NewTaskMetrics(inst *Instruments) *TaskMetrics {
	return &TaskMetrics{inst: inst, started: make(map[string]time.Time)}
}

// Attach subscribes the listener to task lifecycle events.
func (m *TaskMetrics) Attach(bus *cogito.EventBus) {
	bus.Subscribe(cogito.EventTaskCreated, m.handle)
	bus.Subscribe(cogito.EventTaskCompleted, m.handle)
	bus.Subscribe(cogito.EventTaskFailed, m.handle)
}

func (m *TaskMetrics) handle(ctx context.Context, ev cogito.Event) error {
	switch ev.Type {
	case cogito.EventTaskCreated:
		m.mu.Lock()
		m.started[ev.TaskID] = time.Now()
		m.mu.Unlock()
		m.inst.TasksStarted.Add(ctx, 1)

	case cogito.EventTaskCompleted:
		m.inst.TasksCompleted.Add(ctx, 1)
		m.recordDuration(ctx, ev.TaskID, "completed")

	case cogito.EventTaskFailed:
		m.inst.TasksFailed.Add(ctx, 1)
		m.recordDuration(ctx, ev.TaskID, "failed")
	}
	return nil
}

func (m *TaskMetrics) recordDuration(ctx context.Context, taskID, outcome string) {
	m.mu.Lock()
	start, ok := m.started[taskID]
	delete(m.started, taskID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.inst.TaskDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		AttrTaskState.String(outcome),
	))
}
