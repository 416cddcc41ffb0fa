// Package scrub removes credentials from data that ends up in logs or
// error payloads surfaced to the orchestration layer, per the retry
// policy's "scrub before giving up" requirement.
package scrub

import "strings"

const redacted = "[REDACTED]"

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-devrev-token": {},
	"cookie":        {},
	"set-cookie":    {},
}

// Headers returns a copy of h with sensitive header values replaced, so an
// exhausted-retry error can log the rest of the request context safely.
func Headers(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		if _, sensitive := sensitiveHeaders[strings.ToLower(k)]; sensitive {
			out[k] = []string{redacted}
			continue
		}
		out[k] = v
	}
	return out
}

// Message scrubs an Authorization-style bearer token that leaked into a
// free-form error string, e.g. from an HTTP client's error formatting.
func Message(msg string) string {
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, "bearer ")
	if idx == -1 {
		return msg
	}
	end := idx + len("bearer ")
	tokenEnd := end
	for tokenEnd < len(msg) && msg[tokenEnd] != ' ' && msg[tokenEnd] != '"' && msg[tokenEnd] != '\'' {
		tokenEnd++
	}
	return msg[:end] + redacted + msg[tokenEnd:]
}
