package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is a non-2xx response from the Source Platform API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	retryAfter time.Duration
	transient  bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Transient reports whether the failure is a rate limit or server-side error.
func (e *StatusError) Transient() bool { return e.transient }

// RetryAfter is the server-provided wait hint, zero when absent.
func (e *StatusError) RetryAfter() time.Duration { return e.retryAfter }

// NetworkError wraps a transport failure (timeouts, resets, DNS).
type NetworkError struct {
	Path string
	Err  error
}

func (e *NetworkError) Error() string   { return fmt.Sprintf("GET %s: %v", e.Path, e.Err) }
func (e *NetworkError) Unwrap() error   { return e.Err }
func (e *NetworkError) Transient() bool { return true }

// classify turns a response into a StatusError. Rate limits arrive either as 429
// or as 403 with an exhausted quota; both are transient.
func classify(resp *http.Response, path, message string, now time.Time) *StatusError {
	e := &StatusError{
		Method:     resp.Request.Method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    message,
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.transient = true
	case resp.StatusCode == http.StatusForbidden && isRateLimited(resp):
		e.transient = true
	case resp.StatusCode >= 500:
		e.transient = true
	}
	if e.transient {
		e.retryAfter = retryAfter(resp.Header, now)
	}
	return e
}

func isRateLimited(resp *http.Response) bool {
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if at := time.Unix(epoch, 0); at.After(now) {
				return at.Sub(now)
			}
		}
	}
	return 0
}

// ErrNotFound reports a named platform object that does not exist.
var ErrNotFound = errors.New("not found")

// ErrForeignLink reports a pagination link that points away from the
// configured API origin. It is never retried.
var ErrForeignLink = errors.New("pagination link leaves the api origin")
