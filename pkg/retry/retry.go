// Package retry runs operations with bounded exponential backoff. Only errors
// that declare themselves transient are retried; everything else returns at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Transient is implemented by errors that may succeed on a later attempt.
type Transient interface {
	error
	Transient() bool
}

// RetryAfter is implemented by errors that carry a server-provided wait hint.
type RetryAfter interface {
	RetryAfter() time.Duration
}

// IsTransient reports whether err (or anything it wraps) is transient.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Key      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier executes operations under a Policy.
type Retrier struct {
	Policy Policy
	Sleep  Sleeper
	Logger *slog.Logger
}

// New returns a Retrier using the real clock.
func New(policy Policy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Retrier{
		Policy: policy,
		Sleep:  SleepContext,
		Logger: slog.Default().With("component", "retry"),
	}
}

// Do calls fn until it succeeds, fails permanently, the context ends, or the
// attempt budget is spent.
func (r *Retrier) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < r.Policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(key, attempt, r.Policy)
			var hint RetryAfter
			if errors.As(last, &hint) && hint.RetryAfter() > delay {
				delay = hint.RetryAfter()
				if ceiling := time.Duration(r.Policy.MaxMs) * time.Millisecond; delay > ceiling {
					delay = ceiling
				}
			}
			r.Logger.WarnContext(ctx, "retrying transient failure",
				"key", key, "attempt", attempt+1, "delay", delay, "error", last)
			if err := r.Sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		last = err
	}
	return &ExhaustedError{Key: key, Attempts: r.Policy.MaxAttempts, Last: last}
}
