package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counters is the sink for account close outcome counters and queue depth
// gauges.
type Counters interface {
	// Failure counts one failure at stage (getxuid, getverifier, validation).
	Failure(ctx context.Context, stage string)
	Success(ctx context.Context)
	QueueDepth(ctx context.Context, queue string, size int, age time.Duration)
}

// MeterCounters records Counters on an OpenTelemetry meter.
type MeterCounters struct {
	failure  metric.Int64Counter
	success  metric.Int64Counter
	size     metric.Int64Gauge
	ageInSec metric.Float64Gauge
}

var _ Counters = (*MeterCounters)(nil)

// NewMeterCounters registers the instruments on meter, or on the global
// provider when meter is nil.
func NewMeterCounters(meter metric.Meter) (*MeterCounters, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	failure, err := meter.Int64Counter("accountclose.failure",
		metric.WithDescription("Account close requests that failed an enrichment stage."))
	if err != nil {
		return nil, err
	}
	success, err := meter.Int64Counter("accountclose.success",
		metric.WithDescription("Account close requests with a validated verifier."))
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64Gauge("accountclose.queue.size",
		metric.WithDescription("Messages in a backing queue, leased ones included."))
	if err != nil {
		return nil, err
	}
	age, err := meter.Float64Gauge("accountclose.queue.age",
		metric.WithDescription("Age of the oldest message in a backing queue."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &MeterCounters{failure: failure, success: success, size: size, ageInSec: age}, nil
}

func (c *MeterCounters) Failure(ctx context.Context, stage string) {
	c.failure.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (c *MeterCounters) Success(ctx context.Context) {
	c.success.Add(ctx, 1)
}

func (c *MeterCounters) QueueDepth(ctx context.Context, queue string, size int, age time.Duration) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	c.size.Record(ctx, int64(size), attrs)
	c.ageInSec.Record(ctx, age.Seconds(), attrs)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Failure(context.Context, string) {}

func (Nop) Success(context.Context) {}

func (Nop) QueueDepth(context.Context, string, int, time.Duration) {}
