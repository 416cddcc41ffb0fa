package logger

import "context"

// logContextKey carries the cooperative sdk_log flag: true for lines
// originating in runtime code, false for lines originating in the
// connector's task. It travels on the context so it survives arbitrarily
// deep call stacks without a global, mirroring how the original agent
// threads its job/span context through hook execution.
type logContextKey struct{}

// WithSDKContext marks the context as "inside runtime code". Every Logger
// call made with a descendant of this context carries sdk_log=true.
func WithSDKContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, logContextKey{}, true)
}

// WithUserContext marks the context as "inside the connector task".
func WithUserContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, logContextKey{}, false)
}

// IsSDKContext reports whether ctx is tagged as runtime code. An untagged
// context (e.g. background) defaults to true: lines logged before the task
// starts are runtime lines.
func IsSDKContext(ctx context.Context) bool {
	v, ok := ctx.Value(logContextKey{}).(bool)
	if !ok {
		return true
	}
	return v
}

// FromContext returns l with an sdk_log field set according to ctx's
// cooperative flag.
func FromContext(ctx context.Context, l Logger) Logger {
	return l.WithFields(BoolField("sdk_log", IsSDKContext(ctx)))
}
