package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/louisbranch/embers/internal/platform/kv"
	"github.com/louisbranch/embers/internal/platform/timeouts"
)

const authFailurePrefix = "authfail:"

// authThrottle counts failed handshakes per remote host in a fixed window.
// Store errors fail open.
type authThrottle struct {
	store  kv.Store
	max    int
	window time.Duration
}

func newAuthThrottle(store kv.Store, max int, window time.Duration) *authThrottle {
	if store == nil || max <= 0 || window <= 0 {
		return nil
	}
	return &authThrottle{store: store, max: max, window: window}
}

func (t *authThrottle) blocked(ctx context.Context, host string) (bool, error) {
	if t == nil || host == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.KVRequest)
	defer cancel()
	raw, err := t.store.Get(ctx, authFailurePrefix+host)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return count >= int64(t.max), nil
}

func (t *authThrottle) fail(ctx context.Context, host string) error {
	if t == nil || host == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.KVRequest)
	defer cancel()
	_, err := t.store.Incr(ctx, authFailurePrefix+host, t.window)
	return err
}
