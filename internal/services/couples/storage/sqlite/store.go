// Package sqlite implements couple membership storage on SQLite.
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
	"github.com/louisbranch/embers/internal/services/couples/storage"
	"github.com/louisbranch/embers/internal/services/couples/storage/sqlite/migrations"
)

// Store provides SQLite-backed couple membership.
type Store struct {
	sqlDB *sql.DB
	// owned is set when Open created sqlDB, so Close releases it.
	owned bool
}

var _ storage.Store = (*Store)(nil)

// Open opens a couple SQLite store at the provided path and applies
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

// PutCouple stores both members of a couple. Re-storing the same couple with
// the same members is a no-op; any other overlap is a conflict.
func (s *Store) PutCouple(ctx context.Context, record storage.CoupleRecord) error {
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
	for i := range record.Members {
		record.Members[i] = strings.TrimSpace(record.Members[i])
		if record.Members[i] == "" {
			return fmt.Errorf("member %d user id is required", i)
		}
	}
	if record.Members[0] == record.Members[1] {
		return fmt.Errorf("couple members must differ")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	existing, err := s.GetCouple(ctx, record.CoupleID)
	switch {
	case err == nil && existing.Members == record.Members:
		return nil
	case err == nil:
		return storage.ErrConflict
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin couple write: %w", err)
	}
	for position, userID := range record.Members {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO couple_members (couple_id, user_id, position, created_at)
VALUES (?, ?, ?, ?)
`, record.CoupleID, userID, position, record.CreatedAt.UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert couple member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit couple write: %w", err)
	}
	return nil
}

// GetCouple loads one couple by id.
func (s *Store) GetCouple(ctx context.Context, coupleID string) (storage.CoupleRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CoupleRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CoupleRecord{}, fmt.Errorf("storage is not configured")
	}
	return s.queryCouple(ctx, `
SELECT couple_id, user_id, position, created_at
FROM couple_members
WHERE couple_id = ?
ORDER BY position
`, strings.TrimSpace(coupleID))
}

// GetCoupleByUser loads the couple a user belongs to.
func (s *Store) GetCoupleByUser(ctx context.Context, userID string) (storage.CoupleRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.CoupleRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CoupleRecord{}, fmt.Errorf("storage is not configured")
	}
	return s.queryCouple(ctx, `
SELECT couple_id, user_id, position, created_at
FROM couple_members
WHERE couple_id = (SELECT couple_id FROM couple_members WHERE user_id = ?)
ORDER BY position
`, strings.TrimSpace(userID))
}

// DeleteCouple removes a couple. Missing couples return ErrNotFound.
func (s *Store) DeleteCouple(ctx context.Context, coupleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM couple_members WHERE couple_id = ?`, strings.TrimSpace(coupleID))
	if err != nil {
		return fmt.Errorf("delete couple: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete couple rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) queryCouple(ctx context.Context, query string, arg string) (storage.CoupleRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, arg)
	if err != nil {
		return storage.CoupleRecord{}, fmt.Errorf("query couple: %w", err)
	}
	defer rows.Close()

	var (
		record storage.CoupleRecord
		found  int
	)
	for rows.Next() {
		var (
			coupleID  string
			userID    string
			position  int
			createdAt int64
		)
		if err := rows.Scan(&coupleID, &userID, &position, &createdAt); err != nil {
			return storage.CoupleRecord{}, fmt.Errorf("scan couple member: %w", err)
		}
		if position < 0 || position > 1 {
			return storage.CoupleRecord{}, fmt.Errorf("couple %s has invalid position %d", coupleID, position)
		}
		record.CoupleID = coupleID
		record.Members[position] = userID
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		found++
	}
	if err := rows.Err(); err != nil {
		return storage.CoupleRecord{}, fmt.Errorf("iterate couple members: %w", err)
	}
	if found == 0 {
		return storage.CoupleRecord{}, storage.ErrNotFound
	}
	if found != 2 {
		return storage.CoupleRecord{}, fmt.Errorf("couple %s has %d members", record.CoupleID, found)
	}
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
