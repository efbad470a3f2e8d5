package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
)

// Authenticator is the subset of the cloud client the manager needs.
// It is satisfied by *cloud.Client.
type Authenticator interface {
	Login(ctx context.Context, verify cloud.Verify, account, secret string) (cloud.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (cloud.Tokens, error)
	RequestCode(ctx context.Context, account string) error
}

// Logger is the logging interface used by the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Manager.
type Options struct {
	// Grace is how long before expiry a session is refreshed.
	Grace time.Duration
	// DefaultTTL is used when neither the backend nor the token carries an expiry.
	DefaultTTL time.Duration
	Backoff    Backoff
	// CodeInterval is the minimum spacing of SMS code requests.
	CodeInterval time.Duration
}

// DefaultCodeInterval matches the vendor app's resend countdown.
const DefaultCodeInterval = time.Minute

// OptionsFromConfig builds manager options from the cloud config section.
func OptionsFromConfig(cfg config.CloudConfig) Options {
	return Options{
		Grace:      time.Duration(cfg.RefreshGrace) * time.Second,
		DefaultTTL: time.Duration(cfg.TokenTTL) * time.Minute,
		Backoff: Backoff{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Initial:     time.Duration(cfg.Retry.InitialDelay) * time.Second,
			Max:         time.Duration(cfg.Retry.MaxDelay) * time.Second,
		},
	}
}

type credential struct {
	mode    Mode
	account string
	secret  string
}

// Manager owns the session of one account.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	auth    Authenticator
	store   Store
	logger  Logger
	grace   time.Duration
	ttl     time.Duration
	backoff Backoff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	group singleflight.Group

	// codes spaces SMS code requests; the vendor bans numbers that ask
	// too often.
	codes *rate.Limiter

	mu        sync.RWMutex
	current   *Session
	cred      *credential
	listeners []func(Session)
}

// NewManager creates a Manager. store may be nil to keep sessions in memory only.
func NewManager(auth Authenticator, store Store, opts Options) *Manager {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Minute
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.CodeInterval <= 0 {
		opts.CodeInterval = DefaultCodeInterval
	}
	return &Manager{
		auth:    auth,
		store:   store,
		logger:  noopLogger{},
		grace:   opts.Grace,
		ttl:     opts.DefaultTTL,
		backoff: opts.Backoff,
		now:     time.Now,
		sleep:   sleepContext,
		codes:   rate.NewLimiter(rate.Every(opts.CodeInterval), 1),
	}
}

// SetLogger sets the logger.
func (m *Manager) SetLogger(l Logger) {
	if l != nil {
		m.logger = l
	}
}

// OnChange registers fn to be called with every newly established session.
func (m *Manager) OnChange(fn func(Session)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetCredential stores the credential used for automatic re-authentication.
// It does not contact the backend.
func (m *Manager) SetCredential(mode Mode, phone, secret string) {
	m.mu.Lock()
	m.cred = &credential{mode: mode, account: NormalizePhone(phone), secret: secret}
	m.mu.Unlock()
}

// Current returns the cached session, if any, without validating it.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Restore loads the persisted session of the configured account into
// memory. A missing row is not an error.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()
	if m.store == nil || cred == nil {
		return nil
	}

	s, err := m.store.Load(ctx, cred.account)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()

	m.logger.Info("restored cloud session",
		"account", s.Account,
		"expires_at", s.ExpiresAt,
	)
	return nil
}

// Authenticate logs in with a password or SMS code. On success the new
// session replaces any cached one for the account and the credential is
// kept for later re-authentication.
func (m *Manager) Authenticate(ctx context.Context, mode Mode, phone, secret string) (Session, error) {
	cred := credential{mode: mode, account: NormalizePhone(phone), secret: secret}

	v, err, _ := m.group.Do("auth:"+cred.account, func() (any, error) {
		return m.login(ctx, cred)
	})
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()
	return v.(Session), nil
}

// RequestCode asks the backend to text a login code to phone. The request
// is not retried, so a flaky network never sends two codes.
//
// Requests closer together than the code interval are refused locally
// with ErrRateLimited. A request the backend did not accept does not count,
// unless the backend itself rate limited it.
func (m *Manager) RequestCode(ctx context.Context, phone string) error {
	account := NormalizePhone(phone)
	now := m.now()
	r := m.codes.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		m.logger.Warn("sms code requested too soon", "account", account, "retry_in", wait)
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Second))
	}
	if err := m.auth.RequestCode(ctx, account); err != nil {
		if errors.Is(err, ErrRateLimited) {
			m.logger.Warn("sms code request rate limited", "account", account)
			return err
		}
		r.CancelAt(now)
		return err
	}
	m.logger.Info("sms code requested", "account", account)
	return nil
}

// EnsureValid returns a session that is valid for at least the grace
// window, refreshing or re-authenticating as needed. Concurrent callers
// share a single refresh.
func (m *Manager) EnsureValid(ctx context.Context) (Session, error) {
	if s, ok := m.Current(); ok && !s.NeedsRefresh(m.now(), m.grace) {
		return s, nil
	}
	return m.renew(ctx)
}

// Invalidate reports that token was rejected by the backend. If it is still
// the current token, the session is renewed; otherwise another caller has
// already renewed it and the current session is returned.
func (m *Manager) Invalidate(ctx context.Context, token string) (Session, error) {
	m.mu.Lock()
	if m.current != nil && m.current.AccessToken == token {
		expired := *m.current
		expired.ExpiresAt = m.now()
		m.current = &expired
	}
	m.mu.Unlock()
	return m.EnsureValid(ctx)
}

func (m *Manager) renew(ctx context.Context) (Session, error) {
	v, err, shared := m.group.Do("renew", func() (any, error) {
		// Another flight may have finished between the caller's check and now.
		if s, ok := m.Current(); ok && !s.NeedsRefresh(m.now(), m.grace) {
			return s, nil
		}
		return m.refreshOrLogin(ctx)
	})
	if shared {
		m.logger.Debug("shared session renewal")
	}
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (m *Manager) refreshOrLogin(ctx context.Context) (Session, error) {
	m.mu.RLock()
	cur := m.current
	cred := m.cred
	m.mu.RUnlock()

	if cur != nil && cur.RefreshToken != "" {
		s, err := m.refresh(ctx, *cur)
		if err == nil {
			return s, nil
		}
		if !cloud.IsAuth(err) {
			return Session{}, err
		}
		m.logger.Warn("refresh token rejected, re-authenticating", "account", cur.Account, "error", err)
	}

	switch {
	case cred == nil:
		return Session{}, ErrNoCredentials
	case cred.mode == ModeCode:
		return Session{}, &cloud.AuthError{Op: "reauthenticate", Message: "sms code sessions need a new code"}
	default:
		return m.login(ctx, *cred)
	}
}

func (m *Manager) refresh(ctx context.Context, cur Session) (Session, error) {
	var tok cloud.Tokens
	err := m.retry(ctx, "refresh", func() error {
		var err error
		tok, err = m.auth.Refresh(ctx, cur.RefreshToken)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("refreshing session: %w", err)
	}

	s := m.newSession(cur.Account, cur.Mode, tok)
	if s.UserID == "" {
		s.UserID = cur.UserID
	}
	m.install(ctx, s)
	m.logger.Info("cloud session refreshed", "account", s.Account, "expires_at", s.ExpiresAt)
	return s, nil
}

func (m *Manager) login(ctx context.Context, cred credential) (Session, error) {
	var tok cloud.Tokens
	err := m.retry(ctx, "login", func() error {
		var err error
		tok, err = m.auth.Login(ctx, cred.mode.verify(), cred.account, cred.secret)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("authenticating %s: %w", cred.account, err)
	}

	s := m.newSession(cred.account, cred.mode, tok)
	m.install(ctx, s)
	m.logger.Info("cloud session established",
		"account", s.Account,
		"mode", string(s.Mode),
		"expires_at", s.ExpiresAt,
	)
	return s, nil
}

func (m *Manager) newSession(account string, mode Mode, tok cloud.Tokens) Session {
	now := m.now()
	return Session{
		Account:      account,
		Mode:         mode,
		UserID:       tok.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    m.expiry(now, tok),
		UpdatedAt:    now,
	}
}

// expiry prefers the backend's expiresIn, then the token's exp claim,
// then the configured TTL.
func (m *Manager) expiry(now time.Time, tok cloud.Tokens) time.Time {
	if tok.ExpiresIn > 0 {
		return now.Add(tok.ExpiresIn)
	}
	if exp, ok := tokenExpiry(tok.AccessToken); ok {
		return exp
	}
	return now.Add(m.ttl)
}

// tokenExpiry reads the exp claim without verifying the signature; the
// bridge has no key for vendor tokens and only needs a refresh hint.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// install replaces the cached session, persists it, and notifies listeners.
func (m *Manager) install(ctx context.Context, s Session) {
	m.mu.Lock()
	m.current = &s
	listeners := make([]func(Session), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Error("persisting cloud session", "account", s.Account, "error", err)
		}
	}
	for _, fn := range listeners {
		fn(s)
	}
}
