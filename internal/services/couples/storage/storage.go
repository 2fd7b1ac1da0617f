// Package storage defines persistence for couple membership.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the couple or membership is missing.
	ErrNotFound = errors.New("couple not found")
	// ErrConflict indicates a member already belongs to another couple.
	ErrConflict = errors.New("couple membership conflict")
)

// CoupleRecord is one couple with its members in side order.
type CoupleRecord struct {
	CoupleID  string
	Members   [2]string
	CreatedAt time.Time
}

// Store persists couple membership. A user belongs to at most one couple.
type Store interface {
	PutCouple(ctx context.Context, record CoupleRecord) error
	GetCouple(ctx context.Context, coupleID string) (CoupleRecord, error)
	GetCoupleByUser(ctx context.Context, userID string) (CoupleRecord, error)
	DeleteCouple(ctx context.Context, coupleID string) error
}
