package observer

import (
	"context"
	"time"

	"github.com/cogito-sh/cogito"

	"go.opentelemetry.io/otel/metric"
)

// ToolMetrics implements cogito.ExecObserver, recording a counter and
// duration histogram per finished tool call.
type ToolMetrics struct {
	inst *Instruments
}

// NewToolMetrics returns an ExecObserver backed by OTEL metrics.
func NewToolMetrics(inst *Instruments) *ToolMetrics {
	return &ToolMetrics{inst: inst}
}

var _ cogito.ExecObserver = (*ToolMetrics)(nil)

func (m *ToolMetrics) ObserveTool(name string, d time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	ctx := context.Background()
	m.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		AttrToolStatus.String(status),
	))
	m.inst.ToolDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		AttrToolName.String(name),
	))
}
