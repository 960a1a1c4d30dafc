package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	traceIDKey contextKey = "metertun-trace-id"
	spanIDKey  contextKey = "metertun-span-id"
)

// ContextWithTrace attaches a trace ID so log records emitted under ctx
// carry it.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextWithSpan attaches a span ID so log records emitted under ctx
// carry it.
func ContextWithSpan(ctx context.Context, spanID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanIDKey, spanID)
}

// TraceIDFromContext returns the attached trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// SpanIDFromContext returns the attached span ID, or "".
func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTraceAndSpan attaches freshly generated trace and span identifiers
// and returns them alongside the derived context.
func WithTraceAndSpan(ctx context.Context) (context.Context, string, string) {
	traceID := NewTraceID()
	spanID := NewSpanID()
	ctx = ContextWithTrace(ctx, traceID)
	ctx = ContextWithSpan(ctx, spanID)
	return ctx, traceID, spanID
}

// NewTraceID returns a random 16-byte identifier in hex.
func NewTraceID() string {
	return randomHex(16)
}

// NewSpanID returns a random 8-byte identifier in hex.
func NewSpanID() string {
	return randomHex(8)
}

func randomHex(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
