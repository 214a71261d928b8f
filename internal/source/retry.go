package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of a single page fetch.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryPolicy keeps the attempt count small: a source that keeps
// failing should surface as a tenant error rather than stall the job.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Delay returns the wait before attempt+1, given that attempt (1-based) failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the timer-backed SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryingCollector retries transient fetch failures of the wrapped Collector.
//
// Only retryable errors (see IsRetryable) are retried. OnRetry, if set, is
// called before each wait.
type RetryingCollector struct {
	Next    Collector
	Policy  RetryPolicy
	Sleep   SleepFunc
	Logger  *slog.Logger
	OnRetry func(collection string, attempt int, err error)
}

// NewRetryingCollector wraps next with policy.
func NewRetryingCollector(next Collector, policy RetryPolicy) *RetryingCollector {
	return &RetryingCollector{Next: next, Policy: policy, Sleep: Sleep}
}

// FetchPage implements Collector.
func (r *RetryingCollector) FetchPage(ctx context.Context, creds Credentials, collection string, q Query) (*Page, error) {
	attempts := r.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; ; attempt++ {
		page, err := r.Next.FetchPage(ctx, creds, collection, q)
		if err == nil {
			if attempt > 1 {
				logger.Info("fetch succeeded after retry",
					"domain", creds.Domain, "collection", collection, "attempts", attempt)
			}
			return page, nil
		}

		if !IsRetryable(ctx, err) {
			return nil, err
		}
		if attempt >= attempts {
			return nil, fmt.Errorf("fetch failed after %d attempts: %w", attempt, err)
		}

		delay := r.Policy.Delay(attempt)
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}
		logger.Warn("fetch failed, retrying",
			"domain", creds.Domain, "collection", collection,
			"attempt", attempt, "retry_in", delay, "error", err)
		if r.OnRetry != nil {
			r.OnRetry(collection, attempt, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}
