package engine

import (
	"context"
	"time"

	"github.com/roach88/storesync/internal/source"
)

// Clock supplies wall time and the rate-limit wait.
//
// The engine never reads time.Now directly; tests substitute a fake clock
// that advances on Sleep and records every wait.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the real clock. Now is reported in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep waits for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	return source.Sleep(ctx, d)
}
