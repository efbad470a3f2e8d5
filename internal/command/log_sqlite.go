package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// logTimeFormat is fixed-width so stored timestamps sort lexically.
	logTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteLog implements Log on the command_log table.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates a command log on an open connection.
func NewSQLiteLog(db *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: db}
}

// Record upserts a command by id. A row already in a terminal state is
// left unchanged, so writes may arrive in any order.
func (l *SQLiteLog) Record(ctx context.Context, c Command) error {
	if c.ID == "" {
		return fmt.Errorf("command id is required")
	}

	var resolvedAt any
	if !c.ResolvedAt.IsZero() {
		resolvedAt = c.ResolvedAt.UTC().Format(logTimeFormat)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO command_log (id, device_id, field, value, state, error, issued_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			resolved_at = excluded.resolved_at
		 WHERE command_log.state = 'sent'`,
		c.ID, c.DeviceID, string(c.Field), c.Value, string(c.State),
		nullableString(c.Error),
		c.IssuedAt.UTC().Format(logTimeFormat),
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("recording command: %w", err)
	}
	return nil
}

// Get returns a command by id.
func (l *SQLiteLog) Get(ctx context.Context, id string) (Command, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, device_id, field, value, state, error, issued_at, resolved_at
		 FROM command_log WHERE id = ?`, id)

	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

// List returns a device's commands, newest first. limit defaults to 50 and
// is clamped to 200.
func (l *SQLiteLog) List(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, device_id, field, value, state, error, issued_at, resolved_at
		 FROM command_log WHERE device_id = ?
		 ORDER BY issued_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}
	return out, nil
}

// Prune deletes commands issued before cutoff and returns the count removed.
func (l *SQLiteLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE issued_at < ?`,
		cutoff.UTC().Format(logTimeFormat))
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(s scanner) (Command, error) {
	var (
		c                  Command
		field, state       string
		errMsg, resolvedAt sql.NullString
		issuedAt           string
	)
	if err := s.Scan(&c.ID, &c.DeviceID, &field, &c.Value, &state, &errMsg, &issuedAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Command{}, err
		}
		return Command{}, fmt.Errorf("scanning command: %w", err)
	}
	c.Field = shadow.Field(field)
	c.State = State(state)
	if errMsg.Valid {
		c.Error = errMsg.String
	}

	t, err := time.Parse(logTimeFormat, issuedAt)
	if err != nil {
		return Command{}, fmt.Errorf("parsing command timestamp %q: %w", issuedAt, err)
	}
	c.IssuedAt = t

	if resolvedAt.Valid {
		t, err := time.Parse(logTimeFormat, resolvedAt.String)
		if err != nil {
			return Command{}, fmt.Errorf("parsing command timestamp %q: %w", resolvedAt.String, err)
		}
		c.ResolvedAt = t
	}
	return c, nil
}

// nullableString returns nil for empty strings so nullable TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
