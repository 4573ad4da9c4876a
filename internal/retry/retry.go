// Package retry drives exponential-backoff retries over a retryable-error
// predicate. The backoff schedule is cenkalti/backoff's exponential policy
// with the gateway's defaults: 100ms initial delay doubling up to 10s, with
// a ±20% uniform jitter on every wait.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/songzhibin97/waygate/internal/breaker"
)

// Policy describes one retry schedule.
type Policy struct {
	// InitialDelay is the wait before the first retry, pre-jitter.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor"`

	// MaxDelay caps a single wait, pre-jitter.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxRetries is the number of retries after the first attempt; the
	// wrapped function runs at most MaxRetries+1 times.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultPolicy returns the gateway's default retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		InitialDelay: 100 * time.Millisecond,
		Factor:       2,
		MaxDelay:     10 * time.Second,
		MaxRetries:   3,
	}
}

// Delay returns the pre-jitter wait before retry n (zero-based):
// min(initial * factor^n, max). The proxy pipeline uses this directly with
// its shorter per-request cap.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// OnRetryFunc observes each retry decision before its wait.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Retryable reports whether the error is worth retrying: the breaker's
// transport-error set plus a rejected (open) breaker, which the pipeline
// treats the same way.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if err == breaker.ErrCircuitOpen {
		return true
	}
	return breaker.IsTransportError(err)
}

// Execute invokes fn up to policy.MaxRetries+1 times, waiting between
// attempts per the policy's schedule. Non-retryable errors abort
// immediately. The context bounds the whole loop, waits included.
func Execute[T any](ctx context.Context, policy *Policy, fn func() (T, error), onRetry OnRetryFunc) (T, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.Multiplier = policy.Factor
	b.MaxInterval = policy.MaxDelay
	b.RandomizationFactor = 0.2

	attempt := 0
	operation := func() (T, error) {
		result, err := fn()
		if err != nil && !Retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, delay time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		attempt++
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries)+1),
		backoff.WithNotify(notify),
	)
}
