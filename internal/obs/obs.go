// Package obs wires the daemon's ambient OpenTelemetry metrics: the
// event-bus drop counter, the SLA tick duration histogram, and the
// supervisor restart counter. Grounded on the teacher's and
// nevindra-oasis's otel SDK setup, and arkeep-io-arkeep's metric
// naming conventions.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the counters/histograms handlers and engines record
// against.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	BusDropped        metric.Int64Counter
	SLATickDuration    metric.Float64Histogram
	SupervisorRestarts metric.Int64Counter
}

// New constructs a MeterProvider and registers the daemon's
// instruments. Callers should defer Shutdown.
func New() (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("github.com/ylcn91/agentctl")

	busDropped, err := meter.Int64Counter("agentctl.eventbus.dropped",
		metric.WithDescription("events dropped due to a full subscriber channel"))
	if err != nil {
		return nil, fmt.Errorf("create eventbus.dropped counter: %w", err)
	}

	slaTick, err := meter.Float64Histogram("agentctl.sla.tick_duration_seconds",
		metric.WithDescription("wall-clock duration of one SLA engine tick"))
	if err != nil {
		return nil, fmt.Errorf("create sla.tick_duration histogram: %w", err)
	}

	restarts, err := meter.Int64Counter("agentctl.supervisor.restarts",
		metric.WithDescription("supervised process restarts"))
	if err != nil {
		return nil, fmt.Errorf("create supervisor.restarts counter: %w", err)
	}

	return &Metrics{
		provider:           provider,
		meter:              meter,
		BusDropped:         busDropped,
		SLATickDuration:    slaTick,
		SupervisorRestarts: restarts,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
