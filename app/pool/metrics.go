package pool

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/lysyi3m/feedpool/app/telemetry"
)

type poolMetrics struct {
	dispatched    metric.Int64Counter
	completed     metric.Int64Counter
	failed        metric.Int64Counter
	abandoned     metric.Int64Counter
	spawned       metric.Int64Counter
	spawnFailures metric.Int64Counter
	exited        metric.Int64Counter
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		dispatched:    telemetry.Counter("pool.tasks.dispatched", "Tasks sent to a worker"),
		completed:     telemetry.Counter("pool.tasks.completed", "Tasks reported complete by a worker"),
		failed:        telemetry.Counter("pool.tasks.failed", "Tasks reported failed or undeliverable"),
		abandoned:     telemetry.Counter("pool.tasks.abandoned", "Running tasks failed by the stale task sweep"),
		spawned:       telemetry.Counter("pool.workers.spawned", "Worker processes started"),
		spawnFailures: telemetry.Counter("pool.workers.spawn_failures", "Worker processes that failed to start"),
		exited:        telemetry.Counter("pool.workers.exited", "Worker processes reaped"),
	}
}
