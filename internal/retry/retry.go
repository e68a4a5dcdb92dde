// Package retry implements the bounded retry policy shared by the upload
// client and the server's object store calls.
package retry

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
)

// Policy bounds how often an operation is attempted and how long to wait in
// between. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	// Backoff returns the delay before the given retry, counted from 1.
	Backoff func(retry int) time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error except context cancellation.
	Retryable func(error) bool
	// OnRetry observes every scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits for the delay or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, delay time.Duration) error
}

// Default returns the policy used when callers do not configure one: three
// attempts with delays doubling from 500ms.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultAttempts,
		Backoff:     Exponential(DefaultBaseDelay, DefaultMaxDelay),
	}
}

// Exponential doubles base on every retry, capped at max when max > 0.
func Exponential(base, max time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		if base <= 0 || retry <= 0 {
			return 0
		}
		delay := base
		for i := 1; i < retry; i++ {
			delay *= 2
			if max > 0 && delay >= max {
				return max
			}
		}
		if max > 0 && delay > max {
			return max
		}
		return delay
	}
}

// Permanent marks err as not retryable regardless of the policy predicate.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempts, or ctx is done. fn receives the 1-based attempt number. The last
// error is returned unwrapped from any Permanent marker.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		lastErr = err
		if attempt == attempts || !p.retryable(err) {
			break
		}
		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
