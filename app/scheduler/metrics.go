package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lysyi3m/feedpool/app/telemetry"
)

type schedulerMetrics struct {
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

func newSchedulerMetrics() *schedulerMetrics {
	return &schedulerMetrics{
		executions: telemetry.Counter("scheduler.executions", "Scheduled task runs"),
		duration:   telemetry.Histogram("scheduler.execution.duration", "Scheduled task run time", "s"),
	}
}

func (m *schedulerMetrics) record(ctx context.Context, exec Execution) {
	attrs := metric.WithAttributes(
		attribute.String("task_id", exec.TaskID),
		attribute.String("trigger", string(exec.Trigger)),
		attribute.Bool("success", exec.Success),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, exec.Duration.Seconds(), attrs)
}
