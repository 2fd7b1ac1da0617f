// Package kv is the small expiring key-value contract shared by presence
// tracking, handshake throttling and notification dedup.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing or expired key.
var ErrNotFound = errors.New("kv: key not found")

// Store is an expiring string key-value store. A ttl of zero keeps the key
// until it is deleted.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	// It is atomic across every client of the store.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr adds one to an integer key and returns the new value. The ttl is
	// applied only when the increment creates the key, so a counter window
	// starts at its first hit.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}
