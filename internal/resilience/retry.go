// Package resilience adapts cenkalti/backoff and sony/gobreaker into the
// retry and circuit-breaking policies the registry client needs.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures an exponential backoff schedule.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// SessionCreatePolicy is the registry session-creation backoff: doubling
// from 1ms, capped at 5s, with no overall deadline (the caller controls
// cancellation via ctx).
func SessionCreatePolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  0,
	}
}

// ScopedSessionDestroyPolicy is the ScopedSession.Destroy backoff: delays of
// 1, 2, 4, 5, 5, 5, 5s across 8 attempts, roughly 27s total, giving a
// transiently-unreachable registry time to recover before Destroy gives up.
func ScopedSessionDestroyPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  0,
	}
}

// ScopedSessionDestroyAttempts is the attempt budget paired with
// ScopedSessionDestroyPolicy: 8 attempts produce the 7 delays (1+2+4+5+5+5+5
// seconds) documented above.
const ScopedSessionDestroyAttempts = 8

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Retry runs fn under the given policy and ctx, retrying until fn succeeds,
// the policy's attempt/elapsed budget is exhausted, or ctx is cancelled.
// maxAttempts <= 0 means unbounded (until MaxElapsedTime or ctx).
func Retry(ctx context.Context, policy RetryPolicy, maxAttempts int, fn func() error) error {
	b := backoff.WithContext(policy.newBackOff(), ctx)

	var attempts int
	op := func() error {
		attempts++
		err := fn()
		if err != nil && maxAttempts > 0 && attempts >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, b)
}
