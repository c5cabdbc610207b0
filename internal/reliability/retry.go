// Package reliability guards outbound calls with retries, a circuit breaker
// and a token-bucket rate limiter.
package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Backoff returns the un-jittered delay after the given failed attempt,
// doubling from BaseDelay and capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run
// out or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	retryable := p.ShouldRetry
	if retryable == nil {
		retryable = Retryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = halfJitter
	}

	var err error
	for attempt, last := 1, max(p.MaxAttempts, 1); ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil || attempt >= last || !retryable(err) {
			return err
		}
		if err := sleep(ctx, jitter(p.Backoff(attempt))); err != nil {
			return err
		}
	}
}

// Retryable is the default retry predicate: everything except context
// cancellation, deadlines, an open breaker and errors marked Permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen), errors.As(err, &perm):
		return false
	}
	return true
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. It still counts as a breaker failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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

// halfJitter picks a delay uniformly in [d/2, d].
func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}
