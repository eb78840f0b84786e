package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracerMu sync.RWMutex
	tracer   trace.Tracer
)

// SetTracer installs the tracer used by StartSpan. A nil tracer makes
// StartSpan produce no-op spans.
func SetTracer(t trace.Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	tracer = t
}

// StartSpan starts a span on the configured tracer. Without a configured
// tracer it returns a no-op span, so callers never need to branch.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	tracerMu.RLock()
	t := tracer
	tracerMu.RUnlock()
	if t == nil {
		return ctx, &NoopSpan{}
	}
	ctx, sp := t.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: sp}
}

// otelSpan adapts an OpenTelemetry span to the Span interface.
type otelSpan struct {
	span trace.Span
}

func (o *otelSpan) End() { o.span.End() }

func (o *otelSpan) SetStatus(code int, description string) {
	var statusCode codes.Code
	switch code {
	case 1:
		statusCode = codes.Ok
	case 2:
		statusCode = codes.Error
	default:
		statusCode = codes.Unset
	}
	o.span.SetStatus(statusCode, description)
}

func (o *otelSpan) SetAttribute(key string, value interface{}) {
	o.span.SetAttributes(toAttribute(key, value))
}

func (o *otelSpan) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, toAttribute(k, v))
	}
	o.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (o *otelSpan) RecordError(err error) { o.span.RecordError(err) }

func (o *otelSpan) SpanContext() trace.SpanContext { return o.span.SpanContext() }

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case float32:
		return attribute.Float64(key, float64(v))
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

// InitTracing wires the global tracer to an OTLP gRPC collector. The returned
// function flushes and shuts the provider down.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stratacache"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	SetTracer(otel.Tracer(cfg.ServiceName))

	return provider.Shutdown, nil
}
