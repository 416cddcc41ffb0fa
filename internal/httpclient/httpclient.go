// Package httpclient is the one retrying HTTP client shared by the state
// store, artifact uploader, and event emitter: 5 attempts, exponential
// backoff from 1s with jitter, Retry-After honored on 429, credentials
// scrubbed from the error surfaced after the final attempt.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/roko"

	"github.com/devrev/airdrop-runtime/internal/scrub"
	"github.com/devrev/airdrop-runtime/logger"
	"github.com/devrev/airdrop-runtime/version"
)

const (
	maxAttempts  = 5
	baseInterval = time.Second
)

// Client wraps *http.Client with the runtime's shared retry policy.
type Client struct {
	HTTP   *http.Client
	Logger logger.Logger
	Token  string

	// RetrySleepFunc overrides roko's sleep, for deterministic tests.
	RetrySleepFunc func(time.Duration)
}

func New(l logger.Logger, token string) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Logger: l,
		Token:  token,
	}
}

// ExhaustedError is returned when Do gives up on a request: every retry
// attempt failed, or a non-retryable network error ended the retries
// early. Its Error text reports maxAttempts whichever way it ended. It
// carries a scrubbed view of the last request/response so callers can log
// it safely.
type ExhaustedError struct {
	Method      string
	URL         string
	LastStatus  int
	LastErr     error
	ScrubbedMsg string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %s", e.Method, e.URL, maxAttempts, e.ScrubbedMsg)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Do sends req, retrying on 5xx, a Retry-After-bearing 429, or a network
// error, and returns the response body fully read (so the caller never has
// to worry about Close/retry-body semantics).
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("reading request body: %w", err)
		}
		req.Body.Close()
	}

	retrier := roko.NewRetrier(
		roko.WithMaxAttempts(maxAttempts),
		roko.WithStrategy(roko.ExponentialSubsecond(baseInterval)),
		roko.WithJitter(),
		roko.WithSleepFunc(c.RetrySleepFunc),
	)

	type result struct {
		resp *http.Response
		body []byte
	}

	var lastStatus int
	var lastErr error

	res, err := roko.DoFunc(ctx, retrier, func(r *roko.Retrier) (result, error) {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				r.Break()
				return result{}, err
			}
			c.Logger.Warn("[httpclient] %s %s failed: %s (%s)", req.Method, req.URL, err, r)
			return result{}, err
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			return result{}, readErr
		}

		lastStatus = resp.StatusCode
		lastErr = nil

		if resp.StatusCode == http.StatusTooManyRequests {
			if delay, ok := retryAfterDelay(resp.Header.Get("Retry-After")); ok {
				r.SetNextInterval(delay)
				lastErr = fmt.Errorf("rate limited, retry after %s", delay)
				c.Logger.Warn("[httpclient] %s %s rate limited: %s", req.Method, req.URL, r)
				return result{}, lastErr
			}
			r.Break()
			return result{resp, body}, nil
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %s", resp.Status)
			c.Logger.Warn("[httpclient] %s %s: %s (%s)", req.Method, req.URL, resp.Status, r)
			return result{}, lastErr
		}

		return result{resp, body}, nil
	})

	if err != nil {
		scrubbed := scrub.Message(err.Error())
		return nil, nil, &ExhaustedError{
			Method:      req.Method,
			URL:         req.URL.String(),
			LastStatus:  lastStatus,
			LastErr:     lastErr,
			ScrubbedMsg: scrubbed,
		}
	}

	return res.resp, res.body, nil
}

func retryAfterDelay(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func isRetryableError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if strings.Contains(urlErr.Error(), "use of closed network connection") {
			return true
		}
	}
	msg := err.Error()
	for _, suffix := range []string{
		"connection refused",
		"connection reset by peer",
		"no such host",
		io.ErrUnexpectedEOF.Error(),
		io.EOF.Error(),
	} {
		if strings.HasSuffix(msg, suffix) {
			return true
		}
	}
	return false
}
