package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_NowAndAdvance(t *testing.T) {
	clock := NewFakeClock(t0)
	assert.Equal(t, t0, clock.Now())

	clock.Advance(time.Minute)
	assert.Equal(t, t0.Add(time.Minute), clock.Now())

	clock.Set(t0)
	assert.Equal(t, t0, clock.Now())
}

func TestFakeClock_SleepRecordsAndAdvances(t *testing.T) {
	clock := NewFakeClock(t0)

	require.NoError(t, clock.Sleep(context.Background(), time.Second))
	require.NoError(t, clock.Sleep(context.Background(), 2*time.Second))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
	assert.Equal(t, t0.Add(3*time.Second), clock.Now())
}

func TestFakeClock_SleepHonoursCancellation(t *testing.T) {
	clock := NewFakeClock(t0)
	ctx, cancel := context.WithCancel(context.Background())

	clock.OnSleep(func(n int) {
		if n == 2 {
			cancel()
		}
	})

	require.NoError(t, clock.Sleep(ctx, time.Second))
	assert.ErrorIs(t, clock.Sleep(ctx, time.Second), context.Canceled)
	assert.ErrorIs(t, clock.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, clock.Sleeps(), 2)
}
