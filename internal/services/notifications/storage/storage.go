package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested settings or log record is missing.
	ErrNotFound = errors.New("record not found")
)

// Settings stores one user's push preferences.
type Settings struct {
	UserID        string
	Interaction   bool
	StreakWarning bool
	Milestones    bool
	PartnerOpen   bool
	Locale        string
	UpdatedAt     time.Time
}

// DefaultSettings returns the preferences used for users who never saved any.
func DefaultSettings(userID string) Settings {
	return Settings{
		UserID:        userID,
		Interaction:   true,
		StreakWarning: true,
		Milestones:    true,
		PartnerOpen:   true,
		Locale:        "en",
	}
}

// SentLog records when each message type was last pushed to a user.
type SentLog interface {
	// LastSent returns ErrNotFound when the user never received the type.
	LastSent(ctx context.Context, userID, messageType string) (time.Time, error)
	RecordSent(ctx context.Context, userID, messageType string, sentAt time.Time) error
	// PruneSentBefore deletes log rows older than cutoff and returns how many
	// were removed.
	PruneSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingsStore persists push preferences.
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (Settings, error)
	PutSettings(ctx context.Context, settings Settings) error
}
