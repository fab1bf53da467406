package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig controls the optional OTLP exporter (spec §4.8 Session &
// Monitoring mentions tracing as an ambient concern alongside logging and
// metrics; no spec operation depends on a trace actually reaching a
// collector, so exporting is opt-in and off by default).
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRate  float64
}

// TracingProvider wraps an OpenTelemetry TracerProvider for lifecycle
// management. Grounded on the sibling-module
// backend/internal/infrastructure/tracing/tracing.go Provider (read as
// reference only, different go.mod than the teacher root this repo
// copies): same NewProvider/Tracer/Shutdown shape, narrowed to what this
// engine actually emits spans for (instance and step lifecycle, via
// AuditSink).
type TracingProvider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewTracingProvider returns nil, nil when cfg.Enabled is false so every
// caller can unconditionally pass the result to AuditSink without a nil
// check of its own (Tracer() on a nil *TracingProvider returns a no-op
// tracer).
func NewTracingProvider(ctx context.Context, cfg TracingConfig) (*TracingProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &TracingProvider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Tracer returns the provider's tracer, or a no-op tracer for a nil
// receiver (tracing disabled).
func (p *TracingProvider) Tracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Shutdown flushes and stops the provider. Safe to call on a nil receiver.
func (p *TracingProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
