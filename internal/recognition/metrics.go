package recognition

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentation = "github.com/loqalabs/loqa-sign/recognition"

type metrics struct {
	cycles    metric.Int64Counter
	decisions metric.Int64Counter
	latency   metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	cycles, err := meter.Int64Counter("loqa.recognition.cycles",
		metric.WithDescription("Recognition cycles by outcome"))
	if err != nil {
		return nil, err
	}
	decisions, err := meter.Int64Counter("loqa.recognition.decisions",
		metric.WithDescription("Debouncer decisions by kind"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("loqa.inference.latency",
		metric.WithDescription("Inference latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{cycles: cycles, decisions: decisions, latency: latency}, nil
}

func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(instrumentation))
	return m
}

func (m *metrics) cycle(ctx context.Context, outcome string) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) decision(ctx context.Context, kind string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) inference(ctx context.Context, d time.Duration) {
	m.latency.Record(ctx, float64(d.Microseconds())/1000)
}
