package resilience

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often and how fast a failed operation is retried.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first
	InitialInterval time.Duration // delay before the first retry
	MaxInterval     time.Duration // cap on the delay before jitter
	Multiplier      float64
	Jitter          float64 // randomization factor, 0.1 = ±10%
}

// DefaultRetryPolicy allows 3 attempts with delays of 1s, 2s, ... capped at
// 30s and ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

// NewBackOff returns a fresh delay sequence for one retry chain.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// MaxDelay is the largest delay the policy can produce, jitter included.
func (p RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(float64(p.MaxInterval) * (1 + p.Jitter))
}
