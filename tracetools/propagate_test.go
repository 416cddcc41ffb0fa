package tracetools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	otel_trace "go.opentelemetry.io/otel/trace"
)

func TestEncodeDecodeTraceContextRoundTrip(t *testing.T) {
	tp := trace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "job.run")
	defer span.End()

	env := map[string]string{}
	EncodeTraceContext(span, env)

	assert.Contains(t, env, "traceparent")

	ctx := DecodeTraceContext(context.Background(), env)
	remote := otel_trace.SpanContextFromContext(ctx)
	assert.True(t, remote.IsValid())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
}

func TestDecodeTraceContextWithoutEnvReturnsUnchangedContext(t *testing.T) {
	ctx := context.Background()
	got := DecodeTraceContext(ctx, map[string]string{})
	assert.False(t, otel_trace.SpanContextFromContext(got).IsValid())
}
