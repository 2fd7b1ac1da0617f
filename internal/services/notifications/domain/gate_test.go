package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louisbranch/embers/internal/platform/kv"
	"github.com/louisbranch/embers/internal/services/notifications/storage"
)

func TestResendIntervals(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		MessageTypeInteraction:     5 * time.Minute,
		MessageTypePartnerOpen:     6 * time.Hour,
		MessageTypeStreakWarning:   12 * time.Hour,
		MessageTypeStreakBroken:    24 * time.Hour,
		MessageTypeStreakMilestone: 0,
		" STREAK_WARNING ":         12 * time.Hour,
	}
	for messageType, want := range cases {
		assert.Equal(t, want, ResendInterval(messageType), messageType)
	}
}

func TestLogGateWindow(t *testing.T) {
	t.Parallel()

	clock := newClock()
	gate := NewLogGate(newFakeSentLog(), clock.Now)
	ctx := context.Background()

	ok, err := gate.CanSend(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, gate.RecordSent(ctx, "alice", MessageTypeStreakWarning))
	clock.Advance(11 * time.Hour)
	ok, err = gate.CanSend(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Hour)
	ok, err = gate.CanSend(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogGatePropagatesErrors(t *testing.T) {
	t.Parallel()

	log := newFakeSentLog()
	log.err = errors.New("db down")
	_, err := NewLogGate(log, nil).CanSend(context.Background(), "alice", MessageTypeInteraction, time.Minute)
	assert.Error(t, err)
}

func TestKVGateWindowAndTypes(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := kv.NewMemory(clock.Now)
	gate := NewKVGate(store, clock.Now)
	ctx := context.Background()

	require.NoError(t, gate.RecordSent(ctx, "alice", MessageTypeInteraction))
	ok, err := gate.CanSend(ctx, "alice", MessageTypeInteraction, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = gate.CanSend(ctx, "alice", MessageTypePartnerOpen, 6*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "types are gated independently")

	clock.Advance(5 * time.Minute)
	ok, err = gate.CanSend(ctx, "alice", MessageTypeInteraction, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKVGateIgnoresGarbageMarker(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := kv.NewMemory(clock.Now)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, kvGateKey("alice", MessageTypeStreakBroken), "not-a-number", time.Hour))

	ok, err := NewKVGate(store, clock.Now).CanSend(ctx, "alice", MessageTypeStreakBroken, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKVGateClaimIsExclusive(t *testing.T) {
	t.Parallel()

	clock := newClock()
	store := kv.NewMemory(clock.Now)
	first, second := NewKVGate(store, clock.Now), NewKVGate(store, clock.Now)
	ctx := context.Background()

	ok, err := first.Claim(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = second.Claim(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "claim held by another replica")

	require.NoError(t, first.Release(ctx, "alice", MessageTypeStreakWarning))
	ok, err = second.Claim(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken")

	require.NoError(t, second.RecordSent(ctx, "alice", MessageTypeStreakWarning))
	clock.Advance(12*time.Hour - time.Minute)
	ok, err = first.Claim(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	ok, err = first.Claim(ctx, "alice", MessageTypeStreakWarning, 12*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogGateClaimFollowsLog(t *testing.T) {
	t.Parallel()

	clock := newClock()
	log := newFakeSentLog()
	gate := NewLogGate(log, clock.Now)
	ctx := context.Background()

	ok, err := gate.Claim(ctx, "alice", MessageTypeInteraction, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, gate.Release(ctx, "alice", MessageTypeInteraction))
	_, err = log.LastSent(ctx, "alice", MessageTypeInteraction)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, gate.RecordSent(ctx, "alice", MessageTypeInteraction))
	ok, err = gate.Claim(ctx, "alice", MessageTypeInteraction, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveryErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad request")
	err := Rejected(400, cause)
	assert.True(t, IsRejected(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRejected(&DeliveryError{Status: 503, Err: cause}))
	assert.False(t, IsRejected(cause))
	assert.Nil(t, Rejected(400, nil))
	assert.Equal(t, "push refused with status 410", (&DeliveryError{Status: 410}).Error())
}
