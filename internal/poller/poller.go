package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 30 * time.Second

// maxConcurrentPolls bounds parallel device fetches within one cycle.
const maxConcurrentPolls = 4

// Source fetches devices and snapshots. It is satisfied by *cloud.Client.
type Source interface {
	Devices(ctx context.Context, token string) ([]cloud.Device, error)
	GetShadow(ctx context.Context, token, deviceID string) (shadow.Update, error)
	WaterUsage(ctx context.Context, token, deviceID string, period cloud.UsagePeriod) ([]json.RawMessage, error)
}

// Sessions hands out valid tokens. It is satisfied by *session.Manager.
type Sessions interface {
	EnsureValid(ctx context.Context) (session.Session, error)
	Invalidate(ctx context.Context, token string) (session.Session, error)
}

// Applier receives snapshots. It is satisfied by *shadow.Reconciler.
type Applier interface {
	Apply(u shadow.Update) shadow.Outcome
}

// Observer is told the result of every device poll (metrics).
type Observer interface {
	ObservePoll(deviceID string, err error, elapsed time.Duration)
}

// Logger is the logging interface used by the poller.
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

// ErrUnknownDevice is returned by PollDevice for an id not in the device list.
var ErrUnknownDevice = errors.New("poller: unknown device")

// Poller runs the REST resync loop.
type Poller struct {
	source   Source
	sessions Sessions
	applier  Applier
	interval time.Duration
	logger   Logger
	observer Observer

	trigger chan struct{}

	mu      sync.RWMutex
	devices []cloud.Device
}

// New creates a Poller.
func New(source Source, sessions Sessions, applier Applier, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		source:   source,
		sessions: sessions,
		applier:  applier,
		interval: interval,
		logger:   noopLogger{},
		trigger:  make(chan struct{}, 1),
	}
}

// SetLogger sets the logger.
func (p *Poller) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

// SetObserver sets the poll observer.
func (p *Poller) SetObserver(o Observer) {
	p.observer = o
}

// Devices returns the last discovered device list.
func (p *Poller) Devices() []cloud.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]cloud.Device, len(p.devices))
	copy(out, p.devices)
	return out
}

// Device returns one discovered device.
func (p *Poller) Device(id string) (cloud.Device, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.devices {
		if d.ID == id {
			return d, true
		}
	}
	return cloud.Device{}, false
}

// Discover refreshes the device list from the backend.
func (p *Poller) Discover(ctx context.Context) ([]cloud.Device, error) {
	sess, err := p.sessions.EnsureValid(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering devices: %w", err)
	}

	devices, err := p.source.Devices(ctx, sess.AccessToken)
	if err != nil {
		p.handleAuthFailure(ctx, sess.AccessToken, err)
		return nil, fmt.Errorf("discovering devices: %w", err)
	}

	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()

	p.logger.Info("devices discovered", "count", len(devices))
	return devices, nil
}

// PollNow requests an immediate cycle. It never blocks; a request made
// while one is already queued is merged with it.
func (p *Poller) PollNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls immediately, then every interval and on PollNow, until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval)
	defer p.logger.Info("poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		case <-p.trigger:
			p.cycle(ctx)
		}
	}
}

// cycle polls every known device, discovering devices first if none are known.
func (p *Poller) cycle(ctx context.Context) {
	devices := p.Devices()
	if len(devices) == 0 {
		var err error
		if devices, err = p.Discover(ctx); err != nil {
			p.logger.Warn("device discovery failed", "error", err)
			return
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for _, d := range devices {
		id := d.ID
		g.Go(func() error {
			// Per-device errors are logged in poll and must not cancel siblings.
			_ = p.poll(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// PollDevice polls one known device synchronously.
func (p *Poller) PollDevice(ctx context.Context, deviceID string) error {
	if _, ok := p.Device(deviceID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return p.poll(ctx, deviceID)
}

func (p *Poller) poll(ctx context.Context, deviceID string) (err error) {
	start := time.Now()
	defer func() {
		if p.observer != nil {
			p.observer.ObservePoll(deviceID, err, time.Since(start))
		}
	}()

	sess, err := p.sessions.EnsureValid(ctx)
	if err != nil {
		p.logger.Warn("poll skipped, no valid session", "device_id", deviceID, "error", err)
		return err
	}

	update, err := p.source.GetShadow(ctx, sess.AccessToken, deviceID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("shadow poll failed", "device_id", deviceID, "error", err)
		}
		p.handleAuthFailure(ctx, sess.AccessToken, err)
		return err
	}

	outcome := p.applier.Apply(update)
	p.logger.Debug("shadow polled",
		"device_id", deviceID,
		"version", update.Version,
		"fields", len(update.Fields),
		"outcome", outcome.String(),
	)
	return nil
}

// WaterUsage fetches the usage history of one known device. It is read on
// demand and never applied to the shadow.
func (p *Poller) WaterUsage(ctx context.Context, deviceID string, period cloud.UsagePeriod) ([]json.RawMessage, error) {
	if _, ok := p.Device(deviceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	sess, err := p.sessions.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	records, err := p.source.WaterUsage(ctx, sess.AccessToken, deviceID, period)
	if err != nil {
		p.handleAuthFailure(ctx, sess.AccessToken, err)
		return nil, err
	}
	return records, nil
}

// handleAuthFailure renews the session when err says the token was rejected.
func (p *Poller) handleAuthFailure(ctx context.Context, token string, err error) {
	if !cloud.IsAuth(err) {
		return
	}
	if _, rerr := p.sessions.Invalidate(ctx, token); rerr != nil {
		p.logger.Error("session renewal after auth failure failed", "error", rerr)
	}
}
