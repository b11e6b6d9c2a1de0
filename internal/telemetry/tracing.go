// Package telemetry configures OpenTelemetry tracing for the relay.
//
// Custom span attributes use the `relay.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "windlass.io/relay"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint, boatID, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("windlass-relay"),
			semconv.ServiceVersionKey.String(version),
			attribute.String("relay.boat_id", boatID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartEvaluationSpan creates the parent span for a rule evaluation cycle.
func StartEvaluationSpan(ctx context.Context, candidates int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rules.evaluate",
		trace.WithAttributes(
			attribute.Int("relay.rules_candidates", candidates),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndEvaluationSpan enriches the evaluation span with the cycle outcome.
func EndEvaluationSpan(span trace.Span, triggered, actions int) {
	span.SetAttributes(
		attribute.Int("relay.rules_triggered", triggered),
		attribute.Int("relay.actions_emitted", actions),
	)
	span.End()
}

// StartAlertSpan creates a span for alert creation or resolution.
func StartAlertSpan(ctx context.Context, action, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alerts."+action,
		trace.WithAttributes(
			attribute.String("relay.trigger", trigger),
		),
	)
}

// StartPushSpan creates a span for a push notification send.
func StartPushSpan(ctx context.Context, provider, platform string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "push.send",
		trace.WithAttributes(
			attribute.String("relay.push_provider", provider),
			attribute.String("relay.platform", platform),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndPushSpan enriches the push span with the send outcome.
func EndPushSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("relay.push_outcome", outcome))
	span.End()
}

// StartFeedSpan creates a span for an external feed fetch.
func StartFeedSpan(ctx context.Context, feed string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "feeds.fetch",
		trace.WithAttributes(
			attribute.String("relay.feed", feed),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
