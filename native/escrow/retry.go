package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds transparent retries of infrastructure failures at the
// read layer.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomisation factor applied to each interval.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// BackOff builds the backoff curve for the policy, bound to ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = p.InitialInterval
	curve.MaxInterval = p.MaxInterval
	curve.Multiplier = p.Multiplier
	curve.RandomizationFactor = p.Jitter
	curve.MaxElapsedTime = 0
	curve.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(curve, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs op, retrying infrastructure failures along the backoff curve.
// Other errors are returned immediately. When retries are exhausted the last
// failure is wrapped in ErrOutcomeUnknown.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	var last error
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.BackOff(ctx))
	if err == nil {
		return nil
	}
	if IsRetryable(err) || (last != nil && IsRetryable(last) && ctx.Err() != nil) {
		if last == nil {
			last = err
		}
		return fmt.Errorf("%w: %w", ErrOutcomeUnknown, last)
	}
	return err
}
