// Package storage defines the persistence contract for couple streak state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no streak row exists for a couple.
	ErrNotFound = errors.New("streak not found")
	// ErrConflict indicates the row changed since it was read.
	ErrConflict = errors.New("streak version conflict")
)

// StreakRecord is one persisted couple streak row.
type StreakRecord struct {
	CoupleID         string
	LastInteractionA *time.Time
	LastInteractionB *time.Time
	CurrentDays      int
	// LastCountedDate is the UTC calendar date (YYYY-MM-DD) of the most
	// recent credited day, empty when none.
	LastCountedDate string
	// Version increases by one on every successful write. Zero means the
	// row has never been stored.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StreakPage is one keyset page of active streaks ordered by couple id.
type StreakPage struct {
	Records []StreakRecord
	// NextAfter is the cursor for the following page, empty on the last page.
	NextAfter string
}

// StreakStore persists couple streak rows with optimistic versioning.
type StreakStore interface {
	GetStreak(ctx context.Context, coupleID string) (StreakRecord, error)
	// PutStreak writes record when the stored version equals
	// expectedVersion (zero inserts). The stored version becomes
	// expectedVersion+1. A mismatch returns ErrConflict.
	PutStreak(ctx context.Context, record StreakRecord, expectedVersion int64) error
	DeleteStreak(ctx context.Context, coupleID string) error
	// ListActiveStreaks pages through rows with CurrentDays > 0 whose couple
	// id sorts after afterCoupleID.
	ListActiveStreaks(ctx context.Context, afterCoupleID string, limit int) (StreakPage, error)
}
