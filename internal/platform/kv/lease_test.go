package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeasesAreExclusiveAcrossOwners(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemory(clock.Now)
	first, second := NewLeases(store), NewLeases(store)
	ctx := context.Background()

	release, ok, err := first.TryAcquire(ctx, "warning-sweep", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = second.TryAcquire(ctx, "warning-sweep", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	releaseSecond, ok, err := second.TryAcquire(ctx, "warning-sweep", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer releaseSecond()

	// A stale release from the previous holder leaves the new lease alone.
	release()
	_, ok, err = first.TryAcquire(ctx, "warning-sweep", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemory(clock.Now)
	ctx := context.Background()

	_, ok, err := NewLeases(store).TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, err = NewLeases(store).TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "crashed holder's lease lapses")
}
