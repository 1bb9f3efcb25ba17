// Package retry runs an operation until it succeeds, fails permanently
// or the context is cancelled. Delays are taken on an injectable clock
// so long backoffs can be exercised in tests.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nestobserve/internal/clock"
)

// PermanentError wraps errors that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. A nil error stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy controls the delay between attempts.
type Policy struct {
	MaxAttempts int           // 0 = retry until success or cancellation
	Delay       time.Duration // delay before the second attempt
	Multiplier  float64       // 0 or 1 = fixed delay
	MaxDelay    time.Duration // 0 = no cap

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Fixed returns an unbounded policy with a constant delay.
func Fixed(d time.Duration) Policy {
	return Policy{Delay: d}
}

// Do runs fn until it returns nil or a permanent error, the attempt
// budget is spent, or ctx is done. The permanent error is returned
// unwrapped.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func() error) error {
	if p.Delay < 0 {
		return errors.New("retry: Delay cannot be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.Delay {
		return errors.New("retry: MaxDelay must be >= Delay")
	}

	delay := p.Delay
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-clk.After(delay):
		}

		if p.Multiplier > 1 {
			next := time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && next > p.MaxDelay {
				next = p.MaxDelay
			}
			delay = next
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, clk clock.Clock, p Policy, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, clk, p, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
