package shadow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// historyTimeFormat is fixed-width so stored timestamps sort lexically.
	historyTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteHistoryRepository implements HistoryRepository on the
// state_history table.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a repository on an open connection.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

// Record inserts entries in one transaction. Entries without an ID get a
// fresh UUID; entries without a timestamp get the current time.
func (r *SQLiteHistoryRepository) Record(ctx context.Context, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO state_history (id, device_id, version, field, value, status, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing history insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.DeviceID == "" {
			return fmt.Errorf("device id is required")
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.DeviceID, e.Version, string(e.Field), e.Value, e.Status, e.Source,
			e.CreatedAt.UTC().Format(historyTimeFormat),
		); err != nil {
			return fmt.Errorf("inserting state history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history: %w", err)
	}
	return nil
}

// List returns recent entries, newest first. limit defaults to 50 and is
// clamped to 500.
func (r *SQLiteHistoryRepository) List(ctx context.Context, deviceID string, field Field, limit int) ([]HistoryEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `SELECT id, device_id, version, field, value, status, source, created_at
		 FROM state_history
		 WHERE device_id = ?`
	args := []any{deviceID}
	if field != "" {
		query += " AND field = ?"
		args = append(args, string(field))
	}
	query += " ORDER BY created_at DESC, version DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		var fieldName, createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Version, &fieldName, &e.Value, &e.Status, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		e.Field = Field(fieldName)

		ts, err := time.Parse(historyTimeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = ts

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and returns the count removed.
func (r *SQLiteHistoryRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeFormat)
	res, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
