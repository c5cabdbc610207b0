package reliability

import (
	"context"
	"time"
)

// Guard chains limiter, breaker and retry around one outbound dependency.
// Each retry attempt waits for a token and passes through the breaker.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

func (g Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	return g.Retry.Do(ctx, func() error {
		if err := g.Limiter.Wait(ctx); err != nil {
			return err
		}
		return g.Breaker.Execute(func() error { return fn(ctx) })
	})
}

// Call runs fn through g and returns its result.
func Call[T any](ctx context.Context, g Guard, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// Config is the plain-value form of a Guard, as loaded from the environment.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// Hooks receive guard events for metrics and logs. Nil hooks are skipped.
type Hooks struct {
	OnRateLimitWait func(time.Duration)
	OnBreakerChange func(dependency string, from, to State)
}

// NewGuard builds the guard of one named dependency. A zero rate disables
// limiting.
func NewGuard(dependency string, cfg Config, hooks Hooks) Guard {
	g := Guard{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			Name:          dependency,
			MaxFailures:   cfg.BreakerMaxFailures,
			ResetTimeout:  cfg.BreakerResetTimeout,
			OnStateChange: hooks.OnBreakerChange,
		}),
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		g.Limiter = NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst, hooks.OnRateLimitWait)
	}
	return g
}
