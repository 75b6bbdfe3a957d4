package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "mendforge"

// StartRunSpan starts a span covering the execution of a test run.
func StartRunSpan(ctx context.Context, runID, testID string, priority string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("test.id", testID),
			attribute.String("run.priority", priority),
		),
	)
}

// StartResolveSpan starts a span for a locator resolution attempt.
func StartResolveSpan(ctx context.Context, elementRef string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "resolve",
		trace.WithAttributes(
			attribute.String("element.ref", elementRef),
		),
	)
}

// StartHealSpan starts a span covering the healing pipeline for one failure.
func StartHealSpan(ctx context.Context, runID, elementRef string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "heal",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("element.ref", elementRef),
		),
	)
}

// StartValidationSpan starts a span for a sandboxed proposal validation.
func StartValidationSpan(ctx context.Context, proposalID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "validate",
		trace.WithAttributes(
			attribute.String("proposal.id", proposalID),
		),
	)
}
