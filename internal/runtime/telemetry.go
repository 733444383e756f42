package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the global tracer and meter providers for one runtime.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("loqa.node.id", cfg.Node.ID),
		attribute.String("loqa.model.mode", cfg.Model.Mode),
		attribute.String("loqa.capture.mode", cfg.Capture.Mode),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, name, err := traceExporter(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	t := &telemetry{tracer: sdktrace.NewTracerProvider(traceOpts...)}
	otel.SetTracerProvider(t.tracer)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, /metrics disabled", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		t.metrics = promhttp.Handler()
	}
	t.meter = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(t.meter)

	logger.Info("telemetry initialized",
		slog.String("trace_exporter", name),
		slog.Float64("trace_sample_ratio", cfg.Telemetry.TraceSampleRatio),
		slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

// traceExporter picks OTLP when an endpoint is set, then stdout, then none.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp", err
	}
	if cfg.StdoutTraces {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	return nil, "none", nil
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
