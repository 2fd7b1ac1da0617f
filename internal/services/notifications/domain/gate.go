package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/embers/internal/platform/kv"
	"github.com/louisbranch/embers/internal/services/notifications/storage"
)

// Gate decides whether a push of one type may be sent to a user again.
//
// A send goes Claim, deliver, then RecordSent on success or Release on
// failure. A true Claim means no other caller sharing the gate may send the
// same type to the same user until the claim is released or the interval
// passes.
type Gate interface {
	CanSend(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error)
	Claim(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error)
	RecordSent(ctx context.Context, userID, messageType string) error
	Release(ctx context.Context, userID, messageType string) error
}

// LogGate gates sends on the durable notification log. Its claims are only
// exclusive within one process, where the Dispatcher serializes them; several
// replicas need the KVGate.
type LogGate struct {
	log   storage.SentLog
	clock func() time.Time
}

// NewLogGate builds a gate over a sent log.
func NewLogGate(log storage.SentLog, clock func() time.Time) *LogGate {
	if clock == nil {
		clock = time.Now
	}
	return &LogGate{log: log, clock: clock}
}

// CanSend reports whether at least minInterval has passed since the last send.
func (g *LogGate) CanSend(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error) {
	if g == nil || g.log == nil {
		return false, fmt.Errorf("notification log is not configured")
	}
	last, err := g.log.LastSent(ctx, userID, NormalizeMessageType(messageType))
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("last sent: %w", err)
	}
	return g.clock().Sub(last) >= minInterval, nil
}

// Claim is CanSend. The log is only written once the push went out.
func (g *LogGate) Claim(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error) {
	return g.CanSend(ctx, userID, messageType, minInterval)
}

// Release is a no-op: an unsent push left nothing in the log.
func (g *LogGate) Release(context.Context, string, string) error {
	return nil
}

// RecordSent appends a send at the current time.
func (g *LogGate) RecordSent(ctx context.Context, userID, messageType string) error {
	if g == nil || g.log == nil {
		return fmt.Errorf("notification log is not configured")
	}
	return g.log.RecordSent(ctx, userID, NormalizeMessageType(messageType), g.clock().UTC())
}

const kvGatePrefix = "notify:"

// KVGate gates sends on the shared expiring key-value store so that every
// replica sees the same send history.
type KVGate struct {
	store kv.Store
	clock func() time.Time
}

// NewKVGate builds a gate over an expiring key-value store.
func NewKVGate(store kv.Store, clock func() time.Time) *KVGate {
	if clock == nil {
		clock = time.Now
	}
	return &KVGate{store: store, clock: clock}
}

func kvGateKey(userID, messageType string) string {
	return kvGatePrefix + strings.TrimSpace(userID) + ":" + NormalizeMessageType(messageType)
}

// CanSend reports whether at least minInterval has passed since the last send.
func (g *KVGate) CanSend(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("kv store is not configured")
	}
	raw, err := g.store.Get(ctx, kvGateKey(userID, messageType))
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read send marker: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Unreadable markers never block a send.
		return true, nil
	}
	return g.clock().Sub(time.UnixMilli(millis)) >= minInterval, nil
}

// Claim atomically stores a send marker living for minInterval. Only one
// caller across all replicas sharing the store wins it.
func (g *KVGate) Claim(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("kv store is not configured")
	}
	ttl := markerTTL(messageType, minInterval)
	ok, err := g.store.SetNX(ctx, kvGateKey(userID, messageType), g.marker(), ttl)
	if err != nil {
		return false, fmt.Errorf("claim send marker: %w", err)
	}
	return ok, nil
}

// Release drops a claimed marker so the push can be tried again.
func (g *KVGate) Release(ctx context.Context, userID, messageType string) error {
	if g == nil || g.store == nil {
		return fmt.Errorf("kv store is not configured")
	}
	if err := g.store.Delete(ctx, kvGateKey(userID, messageType)); err != nil {
		return fmt.Errorf("release send marker: %w", err)
	}
	return nil
}

// RecordSent stamps the marker with the delivery time. The store holds at
// most one marker per user and type, living for the type's resend interval.
func (g *KVGate) RecordSent(ctx context.Context, userID, messageType string) error {
	if g == nil || g.store == nil {
		return fmt.Errorf("kv store is not configured")
	}
	ttl := markerTTL(messageType, ResendInterval(messageType))
	if err := g.store.Set(ctx, kvGateKey(userID, messageType), g.marker(), ttl); err != nil {
		return fmt.Errorf("write send marker: %w", err)
	}
	return nil
}

func (g *KVGate) marker() string {
	return strconv.FormatInt(g.clock().UTC().UnixMilli(), 10)
}

// defaultMarkerTTL bounds markers of types without a resend interval.
const defaultMarkerTTL = 24 * time.Hour

func markerTTL(messageType string, interval time.Duration) time.Duration {
	if interval > 0 {
		return interval
	}
	if interval = ResendInterval(messageType); interval > 0 {
		return interval
	}
	return defaultMarkerTTL
}
