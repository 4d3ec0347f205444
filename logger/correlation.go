package logger

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const correlationIDLength = 8

// NewCorrelationID returns a short random token used to follow one trigger
// through the logs when several arrive close together.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:correlationIDLength]
}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, contextKey("correlation_id"), id)
}

// EnsureCorrelationID returns ctx unchanged if it already has a correlation
// id, or a child context carrying a fresh one.
func EnsureCorrelationID(ctx context.Context) context.Context {
	if _, ok := GetCorrelationID(ctx); ok {
		return ctx
	}

	return WithCorrelationID(ctx, NewCorrelationID())
}

// GetCorrelationID returns the correlation id, if one was attached.
func GetCorrelationID(ctx context.Context) (string, bool) { //nolint:contextcheck
	if ctx == nil {
		return "", false
	}

	id, ok := ctx.Value(contextKey("correlation_id")).(string)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}
