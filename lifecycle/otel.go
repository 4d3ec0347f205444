package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/amp-labs/keyremap-controller/lifecycle"

// startEventSpan opens a span for one SendEvent call. The caller ends it.
//
//nolint:spancheck // Span lifecycle managed by caller
func startEventSpan(ctx context.Context, from State, event Event, correlationID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "lifecycle."+event.String())
	span.SetAttributes(
		attribute.String("lifecycle.from", from.String()),
		attribute.String("lifecycle.event", event.String()),
		attribute.String("correlation_id", correlationID),
	)

	return ctx, span
}

func endEventSpan(span trace.Span, to State, accepted bool) {
	span.SetAttributes(
		attribute.String("lifecycle.to", to.String()),
		attribute.Bool("lifecycle.accepted", accepted),
	)

	if accepted {
		span.SetStatus(codes.Ok, "applied")
	} else {
		span.SetStatus(codes.Error, "rejected")
	}
}
