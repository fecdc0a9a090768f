package service

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of transient failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
}

// DefaultRetryPolicy returns the standard policy: 5 attempts starting at
// 200ms, doubling, capped at 10s per wait.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        200 * time.Millisecond,
		Factor:      2,
		Cap:         10 * time.Second,
	}
}

// Do invokes fn until it succeeds, returns an error retryable reports as not
// worth another attempt, the attempt budget runs out, or ctx is cancelled.
// The last error from fn is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	delay := p.Base
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= p.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.Cap {
			delay = p.Cap
		}
	}
}
