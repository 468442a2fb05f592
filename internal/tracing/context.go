package tracing

import (
	"context"

	"github.com/google/uuid"
)

// TraceContext is the correlation data a request or run carries through the
// pipeline. A context holds one immutable TraceContext; the With* helpers
// derive a new one.
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	RequestID  string
}

type traceKey struct{}

// NewTraceID generates a trace ID.
func NewTraceID() string { return uuid.NewString() }

// NewRunID generates an ID for one execution pass.
func NewRunID() string { return uuid.NewString() }

// FromContext returns the correlation data carried by ctx. The zero value is
// returned when there is none.
func FromContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	tc, _ := ctx.Value(traceKey{}).(TraceContext)
	return tc
}

// WithTraceContext replaces the correlation data carried by ctx.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey{}, tc)
}

func update(ctx context.Context, set func(*TraceContext)) context.Context {
	tc := FromContext(ctx)
	set(&tc)
	return WithTraceContext(ctx, tc)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.TraceID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.RunID = id })
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.SessionKey = key })
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return update(ctx, func(tc *TraceContext) { tc.RequestID = id })
}

func GetTraceID(ctx context.Context) string    { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string      { return FromContext(ctx).RunID }
func GetSessionKey(ctx context.Context) string { return FromContext(ctx).SessionKey }
func GetRequestID(ctx context.Context) string  { return FromContext(ctx).RequestID }

// NewRequestContext returns ctx with a fresh trace ID unless one is already set.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext returns ctx carrying a fresh run ID for one execution pass.
func NewRunContext(ctx context.Context) context.Context {
	return update(NewRequestContext(ctx), func(tc *TraceContext) { tc.RunID = NewRunID() })
}

func (tc TraceContext) empty() bool {
	return tc == TraceContext{}
}
