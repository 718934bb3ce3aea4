package migrations

import "embed"

// FS contains embedded SQLite migrations for presence storage.
//
//go:embed *.sql
var FS embed.FS
