package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	ping   int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		w.WriteHeader(f.ping)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

func newFake(t *testing.T, pingStatus int) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()
	fake := &fakeInflux{ping: pingStatus}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "deerma",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	_, cfg := newFake(t, http.StatusServiceUnavailable)

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_HealthCheckAndClose(t *testing.T) {
	_, cfg := newFake(t, http.StatusNoContent)

	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteShadow(t *testing.T) {
	fake, cfg := newFake(t, http.StatusNoContent)

	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteShadow("dev-1", 6,
		map[string]float64{"tap_tds": 120, "purified_tds": 15},
		map[string]bool{"tap_tds": true, "purified_tds": false, "filter_pp_pct": true},
		time.Unix(1700000000, 0),
	)
	client.Flush()

	got := fake.written()
	for _, want := range []string{"water_quality,device_id=dev-1", "tap_tds=120", "purified_tds=15", "version=6i", "tap_tds_stale=true", "stale_fields=1i"} {
		if !strings.Contains(got, want) {
			t.Errorf("line protocol %q missing %q", got, want)
		}
	}
	// Only fields carried in values can be marked stale.
	for _, unwanted := range []string{"purified_tds_stale", "filter_pp_pct_stale"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("line protocol %q contains %q", got, unwanted)
		}
	}
}

func TestWriteCommandResult(t *testing.T) {
	fake, cfg := newFake(t, http.StatusNoContent)

	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteCommandResult("dev-1", "temperature_mode", "confirmed", 850*time.Millisecond)
	client.Flush()

	got := fake.written()
	if !strings.Contains(got, "command,device_id=dev-1,field=temperature_mode,state=confirmed") {
		t.Errorf("line protocol %q missing tags", got)
	}
	if !strings.Contains(got, "latency_ms=850i") {
		t.Errorf("line protocol %q missing latency", got)
	}
}

func TestWrite_NoopAfterClose(t *testing.T) {
	fake, cfg := newFake(t, http.StatusNoContent)

	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	client.WriteShadow("dev-1", 1, map[string]float64{"tap_tds": 1}, nil, time.Now())
	client.Flush()

	if got := fake.written(); got != "" {
		t.Errorf("write after Close sent %q", got)
	}
}
