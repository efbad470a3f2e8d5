package shadow

import (
	"context"
	"strconv"
	"time"
)

// HistoryEntry is one accepted field change.
type HistoryEntry struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Version   int64     `json:"version"`
	Field     Field     `json:"field"`
	Value     string    `json:"value"`
	Status    string    `json:"status"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves per-field change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// Record inserts entries in a single transaction.
	Record(ctx context.Context, entries []HistoryEntry) error

	// List returns recent entries for a device, newest first. An empty
	// field matches all fields.
	List(ctx context.Context, deviceID string, field Field, limit int) ([]HistoryEntry, error)
}

// historyQueueSize bounds entries waiting to be written.
const historyQueueSize = 256

// HistoryRecorder turns applied changes into history rows and writes them
// from its own goroutine, so listeners never block on SQLite.
type HistoryRecorder struct {
	repo   HistoryRepository
	logger Logger
	queue  chan []HistoryEntry
}

// NewHistoryRecorder creates a recorder writing to repo.
func NewHistoryRecorder(repo HistoryRepository, logger Logger) *HistoryRecorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &HistoryRecorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan []HistoryEntry, historyQueueSize),
	}
}

// Listen is a Listener. Only applied updates are recorded; desired
// overlays are logged by the command dispatcher instead.
func (h *HistoryRecorder) Listen(c Change) {
	if c.Reason != ReasonApply {
		return
	}
	entries := entriesFor(c)
	if len(entries) == 0 {
		return
	}
	select {
	case h.queue <- entries:
	default:
		h.logger.Warn("history queue full, dropping entries",
			"device_id", c.Shadow.DeviceID,
			"version", c.Shadow.Version,
			"count", len(entries),
		)
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// already queued.
func (h *HistoryRecorder) Run(ctx context.Context) error {
	for {
		select {
		case entries := <-h.queue:
			h.write(entries)
		case <-ctx.Done():
			for {
				select {
				case entries := <-h.queue:
					h.write(entries)
				default:
					return nil
				}
			}
		}
	}
}

func (h *HistoryRecorder) write(entries []HistoryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.Record(ctx, entries); err != nil {
		h.logger.Error("recording shadow history",
			"device_id", entries[0].DeviceID,
			"error", err,
		)
	}
}

func entriesFor(c Change) []HistoryEntry {
	s := c.Shadow
	out := make([]HistoryEntry, 0, len(c.Updated)+len(c.Retained))
	add := func(f Field) {
		v := s.Reported[f]
		out = append(out, HistoryEntry{
			DeviceID:  s.DeviceID,
			Version:   s.Version,
			Field:     f,
			Value:     strconv.FormatFloat(v.Value, 'f', -1, 64),
			Status:    v.Status.String(),
			Source:    c.Source,
			CreatedAt: s.UpdatedAt,
		})
	}
	for _, f := range c.Updated {
		add(f)
	}
	for _, f := range c.Retained {
		add(f)
	}
	return out
}

// TelemetryWriter receives numeric field values for time-series storage.
// It is satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteShadow(deviceID string, version int64, values map[string]float64, stale map[string]bool, at time.Time)
}

// TelemetryListener returns a Listener that forwards every applied update
// carrying known values to w.
func TelemetryListener(w TelemetryWriter) Listener {
	return func(c Change) {
		if c.Reason != ReasonApply {
			return
		}
		values := make(map[string]float64, len(c.Shadow.Reported))
		stale := make(map[string]bool)
		for f, v := range c.Shadow.Reported {
			if !v.Known() {
				continue
			}
			values[string(f)] = v.Value
			if v.Status == FieldStale {
				stale[string(f)] = true
			}
		}
		if len(values) == 0 {
			return
		}
		w.WriteShadow(c.Shadow.DeviceID, c.Shadow.Version, values, stale, c.Shadow.UpdatedAt)
	}
}
