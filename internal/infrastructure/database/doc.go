// Package database provides SQLite connectivity for the Deerma bridge.
//
// The bridge keeps three small tables: the cached cloud session, the
// per-field state history written by the reconciler, and the command log
// written by the dispatcher. This package opens the file, applies the
// embedded migrations, and exposes health checks.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
