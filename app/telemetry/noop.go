package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var noopMeter = noop.NewMeterProvider().Meter(instrumentationName)

func noopCounter() metric.Int64Counter {
	counter, _ := noopMeter.Int64Counter("noop")
	return counter
}
