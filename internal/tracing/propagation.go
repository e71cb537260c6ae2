package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToDelivery derives the context used when a chat message is delivered
// to another agent. The trace ID is kept so a delivery can be followed from the
// sender's send into the recipient's prompt; session and agent are replaced.
func PropagateToDelivery(ctx context.Context, recipient string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	out := WithTraceID(context.Background(), traceID)
	out = WithAgent(out, recipient)
	if requestID := GetRequestID(ctx); requestID != "" {
		out = WithRequestID(out, requestID)
	}
	return out
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	logCtx := baseLogger.With()

	if tc.TraceID != "" {
		logCtx = logCtx.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		logCtx = logCtx.Str("session_id", tc.SessionID)
	}
	if tc.Agent != "" {
		logCtx = logCtx.Str("agent", tc.Agent)
	}
	if tc.RequestID != "" {
		logCtx = logCtx.Str("request_id", tc.RequestID)
	}

	return logCtx.Logger()
}
