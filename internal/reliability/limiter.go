package reliability

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket holding up to burst tokens and refilling one
// token every rate.
type RateLimiter struct {
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	mu     sync.Mutex
	tokens int
	last   time.Time
}

// NewRateLimiter constructs a full limiter. onWait, when set, is told how long
// each blocked caller is about to sleep.
func NewRateLimiter(rate time.Duration, burst int, onWait func(time.Duration)) *RateLimiter {
	return &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  sleepWithContext,
		onWait: onWait,
		tokens: burst,
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or ctx ends. A nil or zero-rate
// limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := r.take()
		if ok {
			return nil
		}
		if wait <= 0 {
			continue
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token, or reports how long until the next one.
func (r *RateLimiter) take() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if elapsed := now.Sub(r.last); elapsed >= r.rate {
		earned := int(elapsed / r.rate)
		r.tokens = min(r.tokens+earned, r.burst)
		r.last = r.last.Add(time.Duration(earned) * r.rate)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0, true
	}
	return r.rate - now.Sub(r.last), false
}
