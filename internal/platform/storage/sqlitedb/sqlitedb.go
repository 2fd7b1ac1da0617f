// Package sqlitedb opens the SQLite database shared by the engine stores.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// BusyTimeoutMillis is how long a connection waits on another process's
// write lock before failing with SQLITE_BUSY.
const BusyTimeoutMillis = 5000

// DSN builds a modernc.org/sqlite data source name for path. Pragmas are
// passed with _pragma so the driver runs them on every new connection, and
// transactions take the write lock up front.
func DSN(path string) string {
	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeoutMillis))
	query.Add("_pragma", "journal_mode(WAL)")
	query.Add("_pragma", "synchronous(NORMAL)")
	query.Add("_pragma", "foreign_keys(ON)")
	query.Set("_txlock", "immediate")
	return filepath.Clean(path) + "?" + query.Encode()
}

// Open opens and pings the database at path.
//
// The pool holds a single connection: SQLite allows one writer per file, so
// in-process writers queue on the pool instead of racing for the file lock.
// Callers must not run a second query while holding rows or a transaction
// from the same pool.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(0)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return sqlDB, nil
}
