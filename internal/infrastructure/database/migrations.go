package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// ErrMigrationChanged is returned when an applied migration's up file no
// longer matches the checksum recorded when it ran. Edit schema by adding
// a new migration instead.
var ErrMigrationChanged = errors.New("database: applied migration has changed")

// Migration is one YYYYMMDD_HHMMSS_name.{up,down}.sql pair.
type Migration struct {
	Version  string
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Migrate applies every pending migration in fsys in version order, each in
// its own transaction. A nil fsys is a no-op.
//
// Before applying anything it verifies that migrations already applied are
// unchanged on disk.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	applied, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		return err
	}
	if err := verifyApplied(applied, fsys); err != nil {
		return err
	}

	for _, m := range pending {
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the most recent migration. It is meant for
// development and tests.
func (db *DB) MigrateDown(ctx context.Context, fsys fs.FS) error {
	applied, _, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1]

	all, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	var m *Migration
	for i := range all {
		if all[i].Version == latest.Version {
			m = &all[i]
			break
		}
	}
	switch {
	case m == nil:
		return fmt.Errorf("migration %s not found", latest.Version)
	case m.DownSQL == "":
		return fmt.Errorf("migration %s has no down SQL", latest.Version)
	}

	return db.inTx(ctx, func(exec execer) error {
		if _, err := exec.ExecContext(ctx, m.DownSQL); err != nil {
			return fmt.Errorf("executing down SQL: %w", err)
		}
		if _, err := exec.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version); err != nil {
			return fmt.Errorf("removing migration record: %w", err)
		}
		return nil
	})
}

// MigrationStatus returns the applied migrations and those in fsys not yet
// applied.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS) (applied []MigrationRecord, pending []Migration, err error) {
	if err := db.createMigrationsTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err = db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}

	all, err := loadMigrations(fsys)
	if err != nil {
		return nil, nil, err
	}

	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

func verifyApplied(applied []MigrationRecord, fsys fs.FS) error {
	all, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	byVersion := make(map[string]Migration, len(all))
	for _, m := range all {
		byVersion[m.Version] = m
	}
	for _, r := range applied {
		m, ok := byVersion[r.Version]
		// Records written before checksums existed have none to compare.
		if !ok || r.Checksum == "" {
			continue
		}
		if m.Checksum != r.Checksum {
			return fmt.Errorf("%w: %s (%s)", ErrMigrationChanged, r.Version, r.Name)
		}
	}
	return nil
}

func (db *DB) createMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version",
	)
	if err != nil {
		return nil, fmt.Errorf("querying migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // Format is controlled
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migrations: %w", err)
	}
	return records, nil
}

func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	return db.inTx(ctx, func(exec execer) error {
		if _, err := exec.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("executing SQL: %w", err)
		}
		if _, err := exec.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
			m.Version, m.Name, m.Checksum, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// loadMigrations reads and pairs up/down files from the root of fsys,
// oldest first. Files not named like migrations are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, ok := parseMigrationFilename(entry.Name())
		if !ok {
			continue
		}

		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		m, exists := byVersion[f.version]
		if !exists {
			m = &Migration{Version: f.version}
			byVersion[f.version] = m
		}
		if f.up {
			sum := sha256.Sum256(body)
			m.Name = f.name
			m.UpSQL = string(body)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFilename splits "20260301_090000_sessions.up.sql" into
// version "20260301_090000", name "sessions" and direction up.
func parseMigrationFilename(filename string) (migrationFile, bool) {
	base, found := strings.CutSuffix(filename, ".sql")
	if !found {
		return migrationFile{}, false
	}

	var f migrationFile
	switch {
	case strings.HasSuffix(base, ".up"):
		f.up = true
		base = strings.TrimSuffix(base, ".up")
	case strings.HasSuffix(base, ".down"):
		base = strings.TrimSuffix(base, ".down")
	default:
		return migrationFile{}, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 3 || parts[2] == "" {
		return migrationFile{}, false
	}
	f.version = parts[0] + "_" + parts[1]
	f.name = parts[2]
	return f, true
}
