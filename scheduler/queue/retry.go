package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultRetryInterval    = 2 * time.Second
	DefaultMaxRetryInterval = time.Minute
)

// RetryPolicy says how transient queue failures are retried.
// The zero value retries forever every DefaultRetryInterval.
type RetryPolicy struct {
	// Interval between attempts, or the first interval when Exponential.
	Interval time.Duration

	// Exponential grows the interval up to MaxInterval.
	Exponential bool
	MaxInterval time.Duration

	// MaxAttempts bounds the total number of attempts, 0 means unlimited.
	MaxAttempts int
}

func (p RetryPolicy) String() string {
	return fmt.Sprintf("RetryPolicy: Interval: %s, Exponential: %t, MaxInterval: %s, MaxAttempts: %d",
		p.Interval, p.Exponential, p.MaxInterval, p.MaxAttempts)
}

// NewBackOff returns a fresh backoff for one operation, bound to ctx.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		eb.MaxInterval = p.MaxInterval
		if eb.MaxInterval <= 0 {
			eb.MaxInterval = DefaultMaxRetryInterval
		}
		// attempts, not elapsed time, bound the retries
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(interval)
	}

	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
