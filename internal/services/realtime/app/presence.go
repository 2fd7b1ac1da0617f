package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/embers/internal/platform/kv"
	"github.com/louisbranch/embers/internal/platform/timeouts"
)

const (
	presencePrefix = "presence:"
	// presenceTTL keeps last-seen markers well past the partner-active window.
	presenceTTL = 30 * time.Minute
)

// Presence tracks when users were last seen. Live connections count as
// active now; otherwise the last recorded activity is read from the shared
// store.
type Presence struct {
	hub   *Hub
	store kv.Store
	clock func() time.Time
}

// NewPresence builds a presence tracker. hub and store may be nil.
func NewPresence(hub *Hub, store kv.Store, clock func() time.Time) *Presence {
	if clock == nil {
		clock = time.Now
	}
	return &Presence{hub: hub, store: store, clock: clock}
}

// Touch records activity for userID at the current time.
func (p *Presence) Touch(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if p == nil || p.store == nil || userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.KVRequest)
	defer cancel()
	now := p.clock().UTC()
	if err := p.store.Set(ctx, presencePrefix+userID, strconv.FormatInt(now.UnixMilli(), 10), presenceTTL); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// LastActive returns when userID was last seen and whether it is known.
func (p *Presence) LastActive(ctx context.Context, userID string) (time.Time, bool, error) {
	userID = strings.TrimSpace(userID)
	if p == nil || userID == "" {
		return time.Time{}, false, nil
	}
	if p.hub != nil && p.hub.UserConnected(userID) {
		return p.clock().UTC(), true, nil
	}
	if p.store == nil {
		return time.Time{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.KVRequest)
	defer cancel()
	raw, err := p.store.Get(ctx, presencePrefix+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read presence: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis).UTC(), true, nil
}
