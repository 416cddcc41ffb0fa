package tracetools

import (
	"context"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func ExampleEncodeTraceContext() {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	childEnv := map[string]string{}

	// Pretend this is the supervisor's code, about to spawn a worker.
	func() {
		_, span := tp.Tracer("supervisor").Start(context.Background(), "sync.run")
		defer span.End()

		EncodeTraceContext(span, childEnv)

		if childEnv["traceparent"] == "" {
			fmt.Println("oops empty tracing data in env vars")
		} else {
			fmt.Println("prepared worker env carrier data")
		}

		// The worker process is launched with childEnv's traceparent in
		// its environment under EnvVarTraceContextKey; the worker puts it
		// back into a carrier, and DecodeTraceContext reconstructs the
		// remote span context from it.
	}()

	// Pretend this is the worker process's code.
	func() {
		ctx := DecodeTraceContext(context.Background(), childEnv)
		_, span := tp.Tracer("worker").Start(ctx, "task.run")
		defer span.End()
		fmt.Println("worker span linked to supervisor trace")
	}()

	// Output:
	// prepared worker env carrier data
	// worker span linked to supervisor trace
}
