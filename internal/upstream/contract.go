// Package upstream is a thin HTTP client for talking to OpenAI-compatible
// providers: JSON POST, streaming SSE POST, and JSON GET, all with explicit
// per-call timeouts, OTel span instrumentation, and redacted error messages.
package upstream

import (
	"fmt"
	"strconv"
)

// StatusError captures a non-2xx HTTP response from a provider.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, truncate(e.Body, 500))
}

// ParseRetryAfter sets RetryAfterSecs from a Retry-After header value.
// Only the delay-seconds form is supported; HTTP-date values are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ErrorClass is the coarse classification used to decide routing behavior:
// an http-status error still reached the provider (the provider is alive but
// rejected something), whereas timeout/connect errors never got a response.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassTimeout
	ErrClassConnect
	ErrClassHTTPStatus
)

// Classify inspects an error returned by Get/PostJSON/PostSSE and reports
// its coarse class, for the event taxonomy in the gateway pipeline
// (upstream.http_error vs upstream.request_error).
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrClassUnknown
	}
	if _, ok := err.(*StatusError); ok {
		return ErrClassHTTPStatus
	}
	if isTimeout(err) {
		return ErrClassTimeout
	}
	return ErrClassConnect
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for err != nil {
		if t, ok := err.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
