package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/lysyi3m/feedpool"

var meter = otel.Meter(instrumentationName)

type ShutdownFunc func(context.Context) error

// Setup installs the global meter provider. Without the stdout exporter the
// default no-op provider stays in place and instruments cost nothing.
func Setup(stdout bool, interval time.Duration) (ShutdownFunc, error) {
	if !stdout {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
	}

	if interval <= 0 {
		interval = time.Minute
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}

// Counter creates an int64 counter on the application meter. Instrument
// errors are logged and a no-op counter is returned.
func Counter(name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{count}"))
	if err != nil {
		slog.Warn("Failed to create metric", "name", name, "error", err)
		return noopCounter()
	}
	return counter
}

func Histogram(name, description, unit string) metric.Float64Histogram {
	histogram, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		slog.Warn("Failed to create metric", "name", name, "error", err)
		histogram, _ = noopMeter.Float64Histogram(name)
	}
	return histogram
}
