// Package tracing wires distributed tracing across the bus -> consumer ->
// handler path, gated by config.ObservabilityConfig's EnableTracing flag.
// The core emits two spans: a publish span around every bus.Bus.Publish
// call and a handler span around every consumer-group Handler invocation.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/outreach-orchestrator/runtime/internal/config"
)

// Tracer wraps an otel trace.Tracer for the bus/consumer-group span pair.
// A nil *Tracer is a valid, inert zero value: Start becomes a no-op that
// returns ctx unchanged and a non-recording span, so callers never need a
// separate "tracing enabled" branch.
type Tracer struct {
	tracer trace.Tracer
}

// New builds a Tracer from cfg. When EnableTracing is false or the OTLP
// exporter can't be constructed, it returns a nil *Tracer (inert) and a
// no-op shutdown rather than failing process startup over an
// observability backend being unreachable.
func New(cfg config.ObservabilityConfig, serviceName string) (*Tracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if !cfg.EnableTracing || cfg.OTLPEndpoint == "" {
		return nil, noop
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(serviceName)}, provider.Shutdown
}

// StartPublish opens a span around one bus.Bus.Publish call.
func (t *Tracer) StartPublish(ctx context.Context, topic string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("bus.publish %s", topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("bus.topic", topic)),
	)
}

// StartHandle opens a span around one consumer-group Handler invocation.
func (t *Tracer) StartHandle(ctx context.Context, group, eventType string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("consumergroup.handle %s", eventType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("consumergroup.name", group),
			attribute.String("event.type", eventType),
		),
	)
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
