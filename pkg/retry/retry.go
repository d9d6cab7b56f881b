// Package retry wraps transient operations with exponential backoff and
// jitter. Callers decide what counts as retryable; everything else fails
// fast.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

var DefaultPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Jitter:     0.2,
}

// Backoff returns the delay before the given retry attempt, -1 when the
// attempt budget is spent.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt >= p.MaxRetries {
		return -1
	}
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

type config struct {
	policy    Policy
	retryable func(error) bool
}

type Option func(*config)

func WithPolicy(p Policy) Option {
	return func(c *config) { c.policy = p }
}

func WithRetryableFn(fn func(error) bool) Option {
	return func(c *config) { c.retryable = fn }
}

// Do runs fn until it succeeds, the error is terminal, the attempt budget
// runs out, or the context is cancelled.
func Do[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	cfg := config{
		policy:    DefaultPolicy,
		retryable: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var result T
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !cfg.retryable(lastErr) {
			return result, lastErr
		}
		delay := cfg.policy.Backoff(attempt)
		if delay < 0 {
			return result, lastErr
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}
