package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ttl := time.Hour

	ok, err := s.AcquireLease(ctx, "sync:t1:orders", "run-a", now, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by someone else.
	ok, err = s.AcquireLease(ctx, "sync:t1:orders", "run-b", now.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// Reentrant for the holder.
	ok, err = s.AcquireLease(ctx, "sync:t1:orders", "run-a", now.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Other names are independent.
	ok, err = s.AcquireLease(ctx, "sync:t1:customers", "run-b", now, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired leases can be taken over.
	ok, err = s.AcquireLease(ctx, "sync:t1:orders", "run-b", now.Add(2*time.Hour), ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLease(ctx, "l", "a", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing with the wrong owner is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "l", "b"))
	ok, err = s.AcquireLease(ctx, "l", "b", now, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "l", "a"))
	ok, err = s.AcquireLease(ctx, "l", "b", now, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
