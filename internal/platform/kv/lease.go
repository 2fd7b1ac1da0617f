package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/embers/internal/platform/timeouts"
)

const leasePrefix = "lease:"

// Leases hands out named, expiring leases on a Store. Every process sharing
// the store sees the same holder.
type Leases struct {
	store Store
	owner string
}

// NewLeases returns a lease issuer with a unique owner token.
func NewLeases(store Store) *Leases {
	return &Leases{store: store, owner: uuid.NewString()}
}

// TryAcquire takes the lease name for ttl. It reports false when another
// owner holds it. The release func gives the lease back if it is still ours.
func (l *Leases) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errors.New("lease store is not configured")
	}
	key := leasePrefix + name
	ok, err := l.store.SetNX(ctx, key, l.owner, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.KVRequest)
		defer cancel()
		holder, err := l.store.Get(ctx, key)
		if err != nil || holder != l.owner {
			return
		}
		_ = l.store.Delete(ctx, key)
	}
	return release, true, nil
}
