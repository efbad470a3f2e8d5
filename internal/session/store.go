package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists the cached session so a restart does not force a login.
type Store interface {
	Load(ctx context.Context, account string) (Session, error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, account string) error
}

// SQLiteStore implements Store on the sessions table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load returns the session of account, or ErrNotFound.
func (r *SQLiteStore) Load(ctx context.Context, account string) (Session, error) {
	var s Session
	var mode, expiresAt, updatedAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT account, mode, user_id, access_token, refresh_token, expires_at, updated_at
		 FROM sessions WHERE account = ?`, account,
	).Scan(&s.Account, &mode, &s.UserID, &s.AccessToken, &s.RefreshToken, &expiresAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	s.Mode = Mode(mode)
	if s.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Session{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	return s, nil
}

// Save inserts or replaces the session of s.Account. At most one row
// exists per account.
func (r *SQLiteStore) Save(ctx context.Context, s Session) error {
	if s.Account == "" {
		return fmt.Errorf("account is required")
	}
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (account, mode, user_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
		   mode = excluded.mode,
		   user_id = excluded.user_id,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		s.Account, string(s.Mode), s.UserID, s.AccessToken, s.RefreshToken,
		s.ExpiresAt.UTC().Format(time.RFC3339),
		updated.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Delete removes the session of account. Deleting a missing row is not an error.
func (r *SQLiteStore) Delete(ctx context.Context, account string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE account = ?", account); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}
