package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores a request ID in the context for log correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the request ID stored in the context, if any.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextLogger decorates a logger with the correlation fields carried by a
// request context: the request ID set by the HTTP middleware and the active
// trace ID when tracing is enabled.
type ContextLogger struct {
	base *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(base *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{base: base}
}

// With returns the base logger enriched with whatever correlation fields the
// context carries. Safe to call with a bare context.
func (cl *ContextLogger) With(ctx context.Context) *zap.SugaredLogger {
	l := cl.base
	if id := RequestIDFrom(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With("trace_id", sc.TraceID().String())
	}
	return l
}
