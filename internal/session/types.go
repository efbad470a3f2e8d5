package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
)

// Mode is how the account authenticates.
type Mode string

// Login modes.
const (
	ModePassword Mode = "password"
	ModeCode     Mode = "code"
)

// ParseMode validates a configured login mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePassword, ModeCode:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("session: unknown login mode %q", s)
	}
}

func (m Mode) verify() cloud.Verify {
	if m == ModeCode {
		return cloud.VerifyCaptcha
	}
	return cloud.VerifyPassword
}

// Session is an authenticated cloud session.
type Session struct {
	Account      string    `json:"account"`
	Mode         Mode      `json:"mode"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token has expired at now.
func (s Session) Expired(now time.Time) bool {
	return s.AccessToken == "" || !now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether the session expires within grace of now.
func (s Session) NeedsRefresh(now time.Time, grace time.Duration) bool {
	return s.AccessToken == "" || !now.Add(grace).Before(s.ExpiresAt)
}

// Errors.
var (
	// ErrNotFound is returned by a Store with no row for the account.
	ErrNotFound = errors.New("session: not found")

	// ErrNoCredentials is returned when no session exists and nothing is
	// configured to create one.
	ErrNoCredentials = errors.New("session: no credentials")

	// ErrRateLimited is returned by RequestCode when asked again too soon.
	ErrRateLimited = cloud.ErrRateLimited
)

// NormalizePhone converts a phone number into the +86 account form the
// backend expects.
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.NewReplacer(" ", "", "-", "").Replace(p)

	switch {
	case strings.HasPrefix(p, "+86"):
		return p
	case strings.HasPrefix(p, "86") && len(p) > 2:
		return "+" + p
	case strings.HasPrefix(p, "1") && len(p) == 11:
		return "+86" + p
	case strings.HasPrefix(p, "0"):
		return "+86" + strings.TrimLeft(p, "0")
	default:
		return "+86" + p
	}
}
