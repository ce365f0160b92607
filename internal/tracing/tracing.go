// Package tracing wires OpenTelemetry tracing around Spawn and Fetch.
//
// Grounded on the teacher's internal/observability/telemetry.go (Config,
// Init/Shutdown lifecycle, OTLP/HTTP exporter construction, ratio sampler)
// adapted to this runtime's two operations instead of a generic HTTP
// middleware.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds tracing settings, mirroring config.TracingConfig
// field-for-field plus RuntimeID, which is recorded as the resource's
// service.instance.id.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
	RuntimeID   string
}

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init starts the global tracer provider. A disabled config installs a
// no-op tracer so SpawnSpan/FetchSpan remain safe to call unconditionally.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
			semconv.ServiceInstanceID(cfg.RuntimeID),
		),
	)
	if err != nil {
		return fmt.Errorf("tracing: create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	global = &provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}
	return nil
}

// Shutdown flushes and stops the tracer provider, if one was started.
func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

// SpawnSpan starts a span around a Registry.Spawn call.
func SpawnSpan(ctx context.Context, appID string) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, "registry.spawn", trace.WithAttributes(
		attribute.String("novaisolate.app_id", appID),
	))
}

// FetchSpan starts a span around a Registry.Fetch call.
func FetchSpan(ctx context.Context, handle, method, uri string) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, "registry.fetch", trace.WithAttributes(
		attribute.String("novaisolate.handle", handle),
		attribute.String("http.method", method),
		attribute.String("http.target", uri),
	))
}

// EndWithError records err on span (if non-nil) before the caller calls
// span.End(), setting the OpenTelemetry error status so failed
// spawns/fetches are distinguishable in a trace view without parsing logs.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
