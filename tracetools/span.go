// Package tracetools wraps the OpenTelemetry API the supervisor and
// worker harness use to trace a sync's lifecycle: extraction phases,
// artifact uploads, and event emission. Tracing is always OTel; when the
// process has no exporter configured the global no-op tracer is used, so
// every call site is safe to leave in place regardless of deployment.
package tracetools

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "airdrop_runtime"

// StartSpanFromContext starts a span named operation under ctx's current
// span, if any, using the global OTel tracer provider.
func StartSpanFromContext(ctx context.Context, operation string) (trace.Span, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, operation)
	return span, ctx
}

// AddAttributesToSpan is a no-op when span is nil, so callers that didn't
// bother starting a span (tracing disabled, or a hot path that doesn't
// warrant one) don't need their own nil checks.
func AddAttributesToSpan(span trace.Span, attributes map[string]string) {
	if span == nil {
		return
	}
	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}
}

// FinishWithError records err on span, if non-nil, and ends it.
func FinishWithError(span trace.Span, err error) {
	RecordError(span, err)
	if span == nil {
		return
	}
	span.End()
}

// RecordError marks span as failed and attaches err. Noop when span or
// err is nil.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
