package session

import (
	"context"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
)

// Backoff bounds retries of transient failures.
type Backoff struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultBackoff is 4 attempts starting at 1s, doubling, capped at 30s.
var DefaultBackoff = Backoff{MaxAttempts: 4, Initial: time.Second, Max: 30 * time.Second}

// delay returns the wait before retry number attempt (1-based).
func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// retry calls fn until it succeeds, fails with a non-transient error, or
// the attempt budget is spent. The last error is returned.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	attempts := m.backoff.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !cloud.IsTransient(err) || attempt >= attempts {
			return err
		}

		wait := m.backoff.delay(attempt)
		m.logger.Warn("transient cloud failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", wait,
			"error", err,
		)
		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
