// Package metrics wires the daemon's counters and histograms (session
// count, query latency, event-store flush size, spec SPEC_FULL.md DOMAIN
// STACK) to an OpenTelemetry MeterProvider with a stdout exporter, so the
// daemon never requires an external collector.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Instruments is the fixed set of meters the daemon records to.
type Instruments struct {
	SessionsOpen   metric.Int64UpDownCounter
	SessionsTotal  metric.Int64Counter
	QueryLatency   metric.Float64Histogram
	FlushSize      metric.Int64Histogram
	AttachFailures metric.Int64Counter
}

// Init configures a stdout-exporting MeterProvider with a 30s export
// interval and builds the daemon's fixed instrument set. The returned
// shutdown func flushes and stops the provider.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: stdout exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("dbgd")

	sessionsOpen, err := meter.Int64UpDownCounter("dbgd.sessions.open",
		metric.WithDescription("number of currently registered sessions"))
	if err != nil {
		return nil, nil, err
	}
	sessionsTotal, err := meter.Int64Counter("dbgd.sessions.total",
		metric.WithDescription("total sessions opened or attached since daemon start"))
	if err != nil {
		return nil, nil, err
	}
	queryLatency, err := meter.Float64Histogram("dbgd.query.latency_ms",
		metric.WithDescription("control-plane query dispatch latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, nil, err
	}
	flushSize, err := meter.Int64Histogram("dbgd.eventstore.flush_size",
		metric.WithDescription("number of buffered events written per flush"))
	if err != nil {
		return nil, nil, err
	}
	attachFailures, err := meter.Int64Counter("dbgd.attach.failures",
		metric.WithDescription("native attach-strategy failures"))
	if err != nil {
		return nil, nil, err
	}

	return &Instruments{
		SessionsOpen:   sessionsOpen,
		SessionsTotal:  sessionsTotal,
		QueryLatency:   queryLatency,
		FlushSize:      flushSize,
		AttachFailures: attachFailures,
	}, provider.Shutdown, nil
}

// Noop returns an Instruments backed by the globally registered
// MeterProvider (a no-op one unless Init has run), for tests and for any
// daemon path constructed without Init.
func Noop() *Instruments {
	meter := otel.GetMeterProvider().Meter("dbgd-noop")
	sessionsOpen, _ := meter.Int64UpDownCounter("dbgd.sessions.open")
	sessionsTotal, _ := meter.Int64Counter("dbgd.sessions.total")
	queryLatency, _ := meter.Float64Histogram("dbgd.query.latency_ms")
	flushSize, _ := meter.Int64Histogram("dbgd.eventstore.flush_size")
	attachFailures, _ := meter.Int64Counter("dbgd.attach.failures")
	return &Instruments{
		SessionsOpen:   sessionsOpen,
		SessionsTotal:  sessionsTotal,
		QueryLatency:   queryLatency,
		FlushSize:      flushSize,
		AttachFailures: attachFailures,
	}
}
