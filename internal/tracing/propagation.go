package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("traceId", tc.TraceID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("sessionKey", tc.SessionKey)
	}
	if tc.Sequence != 0 {
		lc = lc.Uint64("sequence", tc.Sequence)
	}
	if tc.ConnectionID != "" {
		lc = lc.Str("connectionId", tc.ConnectionID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source into target where target lacks them.
// Used when a request context is cancelled but follow-up work must keep its identity.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.SessionKey != "" && GetSessionKey(target) == "" {
		target = WithSessionKey(target, tc.SessionKey)
	}
	if tc.Sequence != 0 && GetSequence(target) == 0 {
		target = WithSequence(target, tc.Sequence)
	}
	if tc.ConnectionID != "" && GetConnectionID(target) == "" {
		target = WithConnectionID(target, tc.ConnectionID)
	}

	return target
}

// Detach returns a background context carrying the tracing values of ctx.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
