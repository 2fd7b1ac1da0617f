package migrations

import "embed"

// FS contains embedded SQLite migrations for couple storage.
//
//go:embed *.sql
var FS embed.FS
