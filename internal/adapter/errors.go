package adapter

import (
	"fmt"
	"time"
)

// RateLimitError is returned by a Connector hook or an attachment's open
// callback when the destination platform has rate-limited the caller.
// LoadItemTypes and StreamAttachments detect it with errors.As and
// surface Delay instead of treating it as a fatal error, per the
// error taxonomy's "rate-limit" kind.
type RateLimitError struct {
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("adapter: rate limited, retry after %s", e.Delay)
}

// TimeoutError is returned by a Connector hook that observed the
// adapter's cooperative deadline mid-call and unwound without finishing
// its unit of work. LoadItemTypes treats it the same as its own
// IsTimeout() check: persist progress and stop without failing the
// invocation.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// OOMError marks a fault the supervisor classified as the worker
// exceeding its memory ceiling. It lives here, rather than in
// internal/memory or internal/process, so every caller across the
// process boundary detects it the same way: errors.As against this
// package's typed-error set.
type OOMError struct {
	Message string
}

func (e *OOMError) Error() string { return e.Message }
