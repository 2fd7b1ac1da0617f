// Package sqlite implements notification log and settings storage on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/embers/internal/platform/storage/sqlitedb"
	sqlitemigrate "github.com/louisbranch/embers/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/embers/internal/services/notifications/storage"
	"github.com/louisbranch/embers/internal/services/notifications/storage/sqlite/migrations"
)

// Store provides SQLite-backed persistence for notifications state.
type Store struct {
	sqlDB *sql.DB
	// owned is set when Open created sqlDB, so Close releases it.
	owned bool
}

var (
	_ storage.SentLog       = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a notifications SQLite store at the provided path and applies
// migrations.
func Open(path string) (*Store, error) {
	sqlDB, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	store, err := New(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// New applies migrations on a database shared with other stores. Close does
// not close sqlDB.
func New(sqlDB *sql.DB) (*Store, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database when the store opened it.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil || !s.owned {
		return nil
	}
	return s.sqlDB.Close()
}

// LastSent returns the most recent send time for one user and message type.
func (s *Store) LastSent(ctx context.Context, userID, messageType string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if s == nil || s.sqlDB == nil {
		return time.Time{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	messageType = strings.TrimSpace(messageType)
	if userID == "" || messageType == "" {
		return time.Time{}, fmt.Errorf("user id and message type are required")
	}

	var sentAt sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT MAX(sent_at)
FROM notification_log
WHERE user_id = ? AND message_type = ?
`, userID, messageType).Scan(&sentAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("last sent: %w", err)
	}
	if !sentAt.Valid {
		return time.Time{}, storage.ErrNotFound
	}
	return fromMillis(sentAt.Int64), nil
}

// RecordSent appends one send to the log.
func (s *Store) RecordSent(ctx context.Context, userID, messageType string, sentAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	messageType = strings.TrimSpace(messageType)
	if userID == "" || messageType == "" {
		return fmt.Errorf("user id and message type are required")
	}
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_log (user_id, message_type, sent_at) VALUES (?, ?, ?)
`, userID, messageType, toMillis(sentAt)); err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	return nil
}

// PruneSentBefore deletes log rows sent strictly before cutoff.
func (s *Store) PruneSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM notification_log WHERE sent_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune sent log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sent log rows affected: %w", err)
	}
	return affected, nil
}

// GetSettings loads one user's push preferences.
func (s *Store) GetSettings(ctx context.Context, userID string) (storage.Settings, error) {
	if err := ctx.Err(); err != nil {
		return storage.Settings{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Settings{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Settings{}, fmt.Errorf("user id is required")
	}

	var (
		settings  storage.Settings
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, interaction, streak_warning, milestones, partner_open, locale, updated_at
FROM notification_settings
WHERE user_id = ?
`, userID).Scan(
		&settings.UserID,
		&settings.Interaction,
		&settings.StreakWarning,
		&settings.Milestones,
		&settings.PartnerOpen,
		&settings.Locale,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Settings{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	settings.UpdatedAt = fromMillis(updatedAt)
	return settings, nil
}

// PutSettings upserts one user's push preferences.
func (s *Store) PutSettings(ctx context.Context, settings storage.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	settings.UserID = strings.TrimSpace(settings.UserID)
	if settings.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	settings.Locale = strings.TrimSpace(settings.Locale)
	if settings.Locale == "" {
		settings.Locale = "en"
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_settings (
    user_id, interaction, streak_warning, milestones, partner_open, locale, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    interaction = excluded.interaction,
    streak_warning = excluded.streak_warning,
    milestones = excluded.milestones,
    partner_open = excluded.partner_open,
    locale = excluded.locale,
    updated_at = excluded.updated_at
`,
		settings.UserID,
		settings.Interaction,
		settings.StreakWarning,
		settings.Milestones,
		settings.PartnerOpen,
		settings.Locale,
		toMillis(settings.UpdatedAt),
	); err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}
