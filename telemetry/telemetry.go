// Package telemetry records service metrics through OpenTelemetry. Instruments
// hang off the global MeterProvider; configure it before use (typically via
// clue's ConfigureOpenTelemetry during startup). All methods are safe on a nil
// receiver so callers need no special casing when metrics are disabled.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service's metric instruments.
type Metrics struct {
	runsStarted     metric.Int64Counter
	runsFinished    metric.Int64Counter
	runDuration     metric.Float64Histogram
	eventsPublished metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	interrupts      metric.Int64Counter
}

// NewMetrics builds the instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("goa.design/relay")
	m := &Metrics{}
	var err error
	if m.runsStarted, err = meter.Int64Counter("relay.runs.started",
		metric.WithDescription("Runs accepted for execution")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter("relay.runs.finished",
		metric.WithDescription("Runs reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("relay.runs.duration",
		metric.WithDescription("Run wall time in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.eventsPublished, err = meter.Int64Counter("relay.stream.events",
		metric.WithDescription("Events appended to run streams")); err != nil {
		return nil, err
	}
	if m.subscribers, err = meter.Int64UpDownCounter("relay.stream.subscribers",
		metric.WithDescription("Active stream subscriptions")); err != nil {
		return nil, err
	}
	if m.interrupts, err = meter.Int64Counter("relay.runs.interrupts",
		metric.WithDescription("Interrupts raised by runs")); err != nil {
		return nil, err
	}
	return m, nil
}

// RunStarted counts a run transitioning to running.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
}

// RunFinished counts a terminal run and records its duration.
func (m *Metrics) RunFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// EventPublished counts a stream append.
func (m *Metrics) EventPublished(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SubscriberAdded tracks a new stream subscription.
func (m *Metrics) SubscriberAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, 1)
}

// SubscriberRemoved tracks a closed stream subscription.
func (m *Metrics) SubscriberRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, -1)
}

// InterruptRaised counts an interrupt.
func (m *Metrics) InterruptRaised(ctx context.Context) {
	if m == nil {
		return
	}
	m.interrupts.Add(ctx, 1)
}
