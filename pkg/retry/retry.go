// Package retry runs a fallible operation under a bounded attempt policy.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often an operation is tried.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration // pause between attempts; zero means none
	// OnFailure observes every failed attempt, including the last one.
	// attempt is 1-based.
	OnFailure func(attempt int, err error)
}

// ExhaustedError is returned after MaxAttempts consecutive failures.
type ExhaustedError struct {
	Attempts int
	Err      error // last failure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls op until it succeeds or the policy is exhausted. The context is only
// checked between attempts; a running op is never interrupted.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, p.Backoff); err != nil {
				return zero, err
			}
		}
		v, err := op(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if p.OnFailure != nil {
			p.OnFailure(attempt, err)
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func wait(ctx context.Context, d time.Duration) error {
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
