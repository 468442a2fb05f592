package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the correlation fields carried by ctx to baseLogger.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.empty() {
		return baseLogger
	}

	lc := baseLogger.With()
	for _, field := range []struct{ key, value string }{
		{"trace_id", tc.TraceID},
		{"run_id", tc.RunID},
		{"session_key", tc.SessionKey},
		{"request_id", tc.RequestID},
	} {
		if field.value != "" {
			lc = lc.Str(field.key, field.value)
		}
	}
	return lc.Logger()
}

// Detach returns a background context that keeps the correlation data of ctx
// but not its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	if tc.empty() {
		return context.Background()
	}
	return WithTraceContext(context.Background(), tc)
}
