// Package sqlite implements streak storage on SQLite.
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
	"github.com/louisbranch/embers/internal/services/streak/storage"
	"github.com/louisbranch/embers/internal/services/streak/storage/sqlite/migrations"
)

const maxListLimit = 1000

// Store provides SQLite-backed persistence for couple streaks.
type Store struct {
	sqlDB *sql.DB
	// owned is set when Open created sqlDB, so Close releases it.
	owned bool
}

var _ storage.StreakStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a streak SQLite store at the provided path and applies
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

// GetStreak loads one couple streak row.
func (s *Store) GetStreak(ctx context.Context, coupleID string) (storage.StreakRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.StreakRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StreakRecord{}, fmt.Errorf("storage is not configured")
	}
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return storage.StreakRecord{}, fmt.Errorf("couple id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT couple_id, last_interaction_a, last_interaction_b, current_days, last_counted_date, version, created_at, updated_at
FROM couple_streaks
WHERE couple_id = ?
`, coupleID)
	record, err := scanStreak(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StreakRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.StreakRecord{}, fmt.Errorf("get streak: %w", err)
	}
	return record, nil
}

// PutStreak inserts or conditionally updates one couple streak row.
func (s *Store) PutStreak(ctx context.Context, record storage.StreakRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.CoupleID = strings.TrimSpace(record.CoupleID)
	if record.CoupleID == "" {
		return fmt.Errorf("couple id is required")
	}
	if record.CurrentDays < 0 {
		return fmt.Errorf("current days must not be negative")
	}
	if expectedVersion < 0 {
		return fmt.Errorf("expected version must not be negative")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	if expectedVersion == 0 {
		_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO couple_streaks (
    couple_id, last_interaction_a, last_interaction_b, current_days, last_counted_date, version, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
`,
			record.CoupleID,
			nullMillis(record.LastInteractionA),
			nullMillis(record.LastInteractionB),
			record.CurrentDays,
			record.LastCountedDate,
			toMillis(record.CreatedAt),
			toMillis(record.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert streak: %w", err)
		}
		return nil
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE couple_streaks SET
    last_interaction_a = ?,
    last_interaction_b = ?,
    current_days = ?,
    last_counted_date = ?,
    version = version + 1,
    updated_at = ?
WHERE couple_id = ? AND version = ?
`,
		nullMillis(record.LastInteractionA),
		nullMillis(record.LastInteractionB),
		record.CurrentDays,
		record.LastCountedDate,
		toMillis(record.UpdatedAt),
		record.CoupleID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update streak: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update streak rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// DeleteStreak removes one couple streak row. Missing rows are not an error.
func (s *Store) DeleteStreak(ctx context.Context, coupleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM couple_streaks WHERE couple_id = ?`, strings.TrimSpace(coupleID)); err != nil {
		return fmt.Errorf("delete streak: %w", err)
	}
	return nil
}

// ListActiveStreaks returns one keyset page of streaks with a positive day
// count.
func (s *Store) ListActiveStreaks(ctx context.Context, afterCoupleID string, limit int) (storage.StreakPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.StreakPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StreakPage{}, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return storage.StreakPage{}, fmt.Errorf("limit must be greater than zero")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT couple_id, last_interaction_a, last_interaction_b, current_days, last_counted_date, version, created_at, updated_at
FROM couple_streaks
WHERE current_days > 0 AND couple_id > ?
ORDER BY couple_id
LIMIT ?
`, afterCoupleID, limit+1)
	if err != nil {
		return storage.StreakPage{}, fmt.Errorf("list active streaks: %w", err)
	}
	defer rows.Close()

	page := storage.StreakPage{Records: make([]storage.StreakRecord, 0, limit)}
	for rows.Next() {
		record, err := scanStreak(rows.Scan)
		if err != nil {
			return storage.StreakPage{}, fmt.Errorf("scan streak: %w", err)
		}
		page.Records = append(page.Records, record)
	}
	if err := rows.Err(); err != nil {
		return storage.StreakPage{}, fmt.Errorf("iterate streaks: %w", err)
	}
	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.NextAfter = page.Records[limit-1].CoupleID
	}
	return page, nil
}

type scanner func(dest ...any) error

func scanStreak(scan scanner) (storage.StreakRecord, error) {
	var (
		record    storage.StreakRecord
		lastA     sql.NullInt64
		lastB     sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := scan(
		&record.CoupleID,
		&lastA,
		&lastB,
		&record.CurrentDays,
		&record.LastCountedDate,
		&record.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.StreakRecord{}, err
	}
	record.LastInteractionA = timePtr(lastA)
	record.LastInteractionB = timePtr(lastB)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func nullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func timePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
