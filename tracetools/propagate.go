package tracetools

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// EnvVarTraceContextKey is the env var key the supervisor uses to carry
// the sync span's trace context across the process boundary into the
// worker, since the worker gets its own OTel tracer instance rather than
// sharing memory with the parent.
const EnvVarTraceContextKey = "AIRDROP_TRACE_CONTEXT"

var propagator = propagation.TraceContext{}

// EncodeTraceContext injects span's W3C traceparent into env so the
// supervisor can pass it to a worker subprocess's environment.
func EncodeTraceContext(span trace.Span, env map[string]string) {
	if span == nil || !span.SpanContext().IsValid() {
		return
	}
	ctx := trace.ContextWithSpan(context.Background(), span)
	propagator.Inject(ctx, propagation.MapCarrier(env))
}

// DecodeTraceContext extracts a remote span context previously injected
// with EncodeTraceContext, returning ctx unchanged if env carries none.
func DecodeTraceContext(ctx context.Context, env map[string]string) context.Context {
	return propagator.Extract(ctx, propagation.MapCarrier(env))
}
