package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

func TestObservers(t *testing.T) {
	m := New()

	m.ObserveApply("dev1", shadow.KindDelta, shadow.OutcomeApplied)
	m.ObserveApply("dev1", shadow.KindDelta, shadow.OutcomeStaleVersion)
	m.ObserveApply("dev1", shadow.KindDelta, shadow.OutcomeStaleVersion)
	m.ObservePoll("dev1", nil, 100*time.Millisecond)
	m.ObservePoll("dev1", errors.New("boom"), time.Second)
	m.ObserveConnection("dev1", true)
	m.ObserveDropped("dev1")
	m.ObserveCommand("dev1", shadow.FieldVolumeMode, command.StateConfirmed, 2*time.Second)
	m.ObserveCommand("dev1", shadow.FieldVolumeMode, command.StateTimedOut, 0)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"stale discards", testutil.ToFloat64(m.applies.WithLabelValues("dev1", "delta", "stale_version_discarded")), 2},
		{"applied", testutil.ToFloat64(m.applies.WithLabelValues("dev1", "delta", "applied")), 1},
		{"poll ok", testutil.ToFloat64(m.polls.WithLabelValues("dev1", "ok")), 1},
		{"poll error", testutil.ToFloat64(m.polls.WithLabelValues("dev1", "error")), 1},
		{"connected", testutil.ToFloat64(m.connected.WithLabelValues("dev1")), 1},
		{"dropped", testutil.ToFloat64(m.dropped.WithLabelValues("dev1")), 1},
		{"confirmed", testutil.ToFloat64(m.commands.WithLabelValues("dev1", "volume_mode", "confirmed")), 1},
		{"timed out", testutil.ToFloat64(m.commands.WithLabelValues("dev1", "volume_mode", "timed_out")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(m.commandLatency); n != 1 {
		t.Errorf("latency series = %d, want 1 (confirmed only)", n)
	}
}

func TestListen_MirrorsFields(t *testing.T) {
	m := New()
	r := shadow.New()
	r.Subscribe(m.Listen)

	r.Apply(shadow.Update{
		DeviceID: "dev1",
		Kind:     shadow.KindSnapshot,
		Version:  5,
		Fields:   map[shadow.Field]float64{shadow.FieldTapTDS: 120, shadow.FieldPurifiedTDS: 15},
	})
	r.Apply(shadow.Update{
		DeviceID: "dev1",
		Kind:     shadow.KindSnapshot,
		Version:  6,
		Fields:   map[shadow.Field]float64{shadow.FieldTapTDS: 118},
	})

	if got := testutil.ToFloat64(m.fieldValue.WithLabelValues("dev1", "tap_tds")); got != 118 {
		t.Errorf("tap_tds = %v, want 118", got)
	}
	if got := testutil.ToFloat64(m.fieldValue.WithLabelValues("dev1", "purified_tds")); got != 15 {
		t.Errorf("purified_tds = %v, want retained 15", got)
	}
	if got := testutil.ToFloat64(m.fieldStale.WithLabelValues("dev1", "purified_tds")); got != 1 {
		t.Errorf("purified_tds stale = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.shadowVersion.WithLabelValues("dev1")); got != 6 {
		t.Errorf("version = %v, want 6", got)
	}
	if got := testutil.ToFloat64(m.online.WithLabelValues("dev1")); got != 1 {
		t.Errorf("online = %v, want 1", got)
	}
}

func TestObserveSession(t *testing.T) {
	m := New()
	exp := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m.ObserveSession(session.Session{ExpiresAt: exp})

	if got := testutil.ToFloat64(m.sessionExpiry); got != float64(exp.Unix()) {
		t.Errorf("expiry = %v, want %v", got, exp.Unix())
	}
	if got := testutil.ToFloat64(m.sessionRenewals); got != 1 {
		t.Errorf("renewals = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveDropped("dev1")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `deerma_mqtt_dropped_total{device="dev1"} 1`) {
		t.Errorf("exposition missing dropped counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition missing Go collector")
	}
}
