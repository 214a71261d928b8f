package source

import (
	"context"
	"time"
)

// TimeoutCollector bounds every FetchPage call of Next with its own deadline.
//
// Wrap it inside a RetryingCollector so that an expired per-call deadline is
// retried while the caller's context is still live.
type TimeoutCollector struct {
	Next    Collector
	Timeout time.Duration
}

// FetchPage implements Collector.
func (c *TimeoutCollector) FetchPage(ctx context.Context, creds Credentials, collection string, q Query) (*Page, error) {
	if c.Timeout <= 0 {
		return c.Next.FetchPage(ctx, creds, collection, q)
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return c.Next.FetchPage(ctx, creds, collection, q)
}
