// Package retry runs operations under an exponential backoff policy.
//
// Only transient failures are retried. An error classified invalid or fatal
// by the errors package, or wrapped with Stop, ends the loop at once.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/gcstreams/errors"
)

// Policy is a backoff schedule
type Policy struct {
	// Attempts is the total number of calls; values below 1 mean one call
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Factor multiplies the delay after each failure
	Factor float64
	// Jitter adds up to this fraction of the delay at random
	Jitter float64
	// OnRetry, when set, is called before each backoff sleep
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default suits short operations such as opening a file
func Default() Policy {
	return Policy{
		Attempts: 3,
		Initial:  100 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2.0,
		Jitter:   0.25,
	}
}

// Connect suits establishing a network connection at startup
func Connect() Policy {
	return Policy{
		Attempts: 10,
		Initial:  250 * time.Millisecond,
		Max:      10 * time.Second,
		Factor:   2.0,
		Jitter:   0.25,
	}
}

// Delay returns the sleep before retry number attempt (1-based), without
// jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Initial <= 0 {
		return 0
	}
	factor := max(p.Factor, 1)
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) wait(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

type stopError struct{ err error }

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks err as not worth retrying regardless of its class
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Retryable reports whether err is worth another attempt
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var stop *stopError
	if stderrors.As(err, &stop) {
		return false
	}
	return errors.Classify(err) == errors.ErrorTransient
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for operations that produce a value
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(p.Attempts, 1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.WrapTransient(err, "retry", "Do", fmt.Sprintf("attempt %d", attempt))
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		var stop *stopError
		if stderrors.As(err, &stop) {
			return zero, stop.err
		}
		if !Retryable(err) {
			return zero, err
		}
		if attempt >= attempts {
			return zero, fmt.Errorf("retry: gave up after %d attempts: %w", attempts, err)
		}

		wait := p.wait(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.WrapTransient(
				fmt.Errorf("%w (last error: %v)", ctx.Err(), err), "retry", "Do", "back off")
		case <-timer.C:
		}
	}
}
