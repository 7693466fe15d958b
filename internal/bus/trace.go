package bus

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// InjectTrace copies the current span's ids into hdrs so a consumer on the
// other side of the bus can link its span to the producing trace.
func InjectTrace(ctx context.Context, hdrs Headers) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	hdrs[HeaderTraceID] = sc.TraceID().String()
	hdrs[HeaderSpanID] = sc.SpanID().String()
}

// ExtractTrace reconstructs a remote span context from message headers,
// bridging the producer's trace across the async boundary. Missing or
// malformed ids leave ctx unchanged.
func ExtractTrace(ctx context.Context, hdrs Headers) context.Context {
	traceIDStr := hdrs[HeaderTraceID]
	spanIDStr := hdrs[HeaderSpanID]
	if traceIDStr == "" || spanIDStr == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDStr)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDStr)
	if err != nil {
		return ctx
	}

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, remote)
}
