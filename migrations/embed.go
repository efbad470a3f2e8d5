// Package migrations embeds the SQL schema of the bridge database.
//
// Files are named YYYYMMDD_HHMMSS_name.up.sql with an optional matching
// .down.sql. Applied files must not be edited; add a new migration.
package migrations

import "embed"

// FS holds the migration files at its root. Pass it to (*database.DB).Migrate.
//
//go:embed *.sql
var FS embed.FS
