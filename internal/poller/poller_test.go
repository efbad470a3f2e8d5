package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSource struct {
	mu        sync.Mutex
	devices   []cloud.Device
	updates   map[string][]shadow.Update // consumed per call
	errs      map[string][]error
	calls     atomic.Int32
	tokens    []string
	deviceErr error
	usage     map[cloud.UsagePeriod][]json.RawMessage
	usageErr  error
}

func (f *fakeSource) Devices(context.Context, string) ([]cloud.Device, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	return f.devices, nil
}

func (f *fakeSource) GetShadow(_ context.Context, token, deviceID string) (shadow.Update, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if errs := f.errs[deviceID]; len(errs) > 0 {
		f.errs[deviceID] = errs[1:]
		if errs[0] != nil {
			return shadow.Update{}, errs[0]
		}
	}
	ups := f.updates[deviceID]
	if len(ups) == 0 {
		return shadow.Update{}, errors.New("no more updates")
	}
	f.updates[deviceID] = ups[1:]
	return ups[0], nil
}

func (f *fakeSource) WaterUsage(_ context.Context, token, _ string, period cloud.UsagePeriod) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if err := f.usageErr; err != nil {
		f.usageErr = nil
		return nil, err
	}
	return f.usage[period], nil
}

type fakeSessions struct {
	token       atomic.Value
	err         error
	invalidated atomic.Int32
}

func newFakeSessions(token string) *fakeSessions {
	s := &fakeSessions{}
	s.token.Store(token)
	return s
}

func (s *fakeSessions) EnsureValid(context.Context) (session.Session, error) {
	if s.err != nil {
		return session.Session{}, s.err
	}
	return session.Session{AccessToken: s.token.Load().(string)}, nil
}

func (s *fakeSessions) Invalidate(_ context.Context, token string) (session.Session, error) {
	s.invalidated.Add(1)
	if s.token.Load().(string) == token {
		s.token.Store(token + "-renewed")
	}
	return s.EnsureValid(context.Background())
}

type recordingApplier struct {
	mu      sync.Mutex
	updates []shadow.Update
}

func (r *recordingApplier) Apply(u shadow.Update) shadow.Outcome {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return shadow.OutcomeApplied
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func snap(id string, v int64) shadow.Update {
	return shadow.Update{DeviceID: id, Kind: shadow.KindSnapshot, Version: v, Source: shadow.SourcePoll,
		Fields: map[shadow.Field]float64{shadow.FieldTapTDS: 100}}
}

// ============================================================================
// Tests
// ============================================================================

func TestPoll_AppliesSnapshots(t *testing.T) {
	src := &fakeSource{
		devices: []cloud.Device{{ID: "d1"}, {ID: "d2"}},
		updates: map[string][]shadow.Update{"d1": {snap("d1", 1)}, "d2": {snap("d2", 4)}},
	}
	app := &recordingApplier{}
	p := New(src, newFakeSessions("tok"), app, time.Minute)

	p.cycle(context.Background())

	if app.count() != 2 {
		t.Fatalf("applied = %d, want 2", app.count())
	}
	if len(p.Devices()) != 2 {
		t.Errorf("Devices() = %v, want 2 discovered", p.Devices())
	}
}

func TestPoll_ErrorNeverApplies(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantInvalidate int32
	}{
		{"transient", &cloud.TransientNetworkError{Op: "device_status", Err: errors.New("timeout")}, 0},
		{"auth", &cloud.AuthError{Op: "device_status", Status: 401}, 1},
		{"malformed", cloud.ErrMalformedShadow, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				devices: []cloud.Device{{ID: "d1"}},
				errs:    map[string][]error{"d1": {tt.err}},
				updates: map[string][]shadow.Update{"d1": {snap("d1", 2)}},
			}
			sessions := newFakeSessions("tok")
			app := &recordingApplier{}
			p := New(src, sessions, app, time.Minute)
			p.Discover(context.Background())

			if err := p.PollDevice(context.Background(), "d1"); err == nil {
				t.Fatal("PollDevice() error = nil")
			}
			if app.count() != 0 {
				t.Errorf("Apply called %d times after error", app.count())
			}
			if got := sessions.invalidated.Load(); got != tt.wantInvalidate {
				t.Errorf("Invalidate calls = %d, want %d", got, tt.wantInvalidate)
			}

			// The next cycle recovers.
			if err := p.PollDevice(context.Background(), "d1"); err != nil {
				t.Fatalf("retry PollDevice() error = %v", err)
			}
			if app.count() != 1 {
				t.Errorf("applied after retry = %d, want 1", app.count())
			}
		})
	}
}

func TestPoll_AuthFailureRenewsToken(t *testing.T) {
	src := &fakeSource{
		devices: []cloud.Device{{ID: "d1"}},
		errs:    map[string][]error{"d1": {&cloud.AuthError{Op: "device_status", Status: 401}}},
		updates: map[string][]shadow.Update{"d1": {snap("d1", 1)}},
	}
	p := New(src, newFakeSessions("tok"), &recordingApplier{}, time.Minute)
	p.Discover(context.Background())

	p.PollDevice(context.Background(), "d1")
	p.PollDevice(context.Background(), "d1")

	if len(src.tokens) != 2 || src.tokens[1] != "tok-renewed" {
		t.Errorf("tokens = %v, want second poll with renewed token", src.tokens)
	}
}

func TestPoll_NoSessionSkipsFetch(t *testing.T) {
	src := &fakeSource{devices: []cloud.Device{{ID: "d1"}}}
	sessions := newFakeSessions("tok")
	p := New(src, sessions, &recordingApplier{}, time.Minute)
	p.Discover(context.Background())

	sessions.err = &cloud.AuthError{Op: "login"}
	if err := p.PollDevice(context.Background(), "d1"); !cloud.IsAuth(err) {
		t.Errorf("PollDevice() error = %v, want AuthError", err)
	}
	if src.calls.Load() != 0 {
		t.Error("GetShadow called without a session")
	}
}

func TestPollDevice_Unknown(t *testing.T) {
	p := New(&fakeSource{}, newFakeSessions("tok"), &recordingApplier{}, time.Minute)
	if err := p.PollDevice(context.Background(), "nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("PollDevice() error = %v, want ErrUnknownDevice", err)
	}
}

func TestWaterUsage(t *testing.T) {
	src := &fakeSource{
		devices:  []cloud.Device{{ID: "d1"}},
		usage:    map[cloud.UsagePeriod][]json.RawMessage{cloud.UsageMonth: {json.RawMessage(`{"water":12}`)}},
		usageErr: &cloud.AuthError{Op: "water_usage", Status: 401},
	}
	sessions := newFakeSessions("tok")
	app := &recordingApplier{}
	p := New(src, sessions, app, time.Minute)

	if _, err := p.WaterUsage(context.Background(), "d1", cloud.UsageMonth); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("WaterUsage() before discovery error = %v, want ErrUnknownDevice", err)
	}
	p.Discover(context.Background())

	if _, err := p.WaterUsage(context.Background(), "d1", cloud.UsageMonth); !cloud.IsAuth(err) {
		t.Fatalf("WaterUsage() error = %v, want AuthError", err)
	}
	if sessions.invalidated.Load() != 1 {
		t.Errorf("Invalidate calls = %d, want 1", sessions.invalidated.Load())
	}

	records, err := p.WaterUsage(context.Background(), "d1", cloud.UsageMonth)
	if err != nil {
		t.Fatalf("WaterUsage() retry error = %v", err)
	}
	if len(records) != 1 || string(records[0]) != `{"water":12}` {
		t.Errorf("records = %s", records)
	}
	if src.tokens[len(src.tokens)-1] != "tok-renewed" {
		t.Errorf("tokens = %v, want retry with renewed token", src.tokens)
	}
	if app.count() != 0 {
		t.Errorf("Apply called %d times for usage history", app.count())
	}
}

func TestCycle_DiscoveryFailure(t *testing.T) {
	src := &fakeSource{deviceErr: &cloud.AuthError{Op: "devices", Status: 401}}
	sessions := newFakeSessions("tok")
	app := &recordingApplier{}
	p := New(src, sessions, app, time.Minute)

	p.cycle(context.Background())

	if app.count() != 0 || src.calls.Load() != 0 {
		t.Error("polled without a device list")
	}
	if sessions.invalidated.Load() != 1 {
		t.Errorf("Invalidate calls = %d, want 1", sessions.invalidated.Load())
	}
}

func TestRun_PollNowAndShutdown(t *testing.T) {
	src := &fakeSource{
		devices: []cloud.Device{{ID: "d1"}},
		updates: map[string][]shadow.Update{"d1": {snap("d1", 1), snap("d1", 2), snap("d1", 3)}},
	}
	app := &recordingApplier{}
	p := New(src, newFakeSessions("tok"), app, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return app.count() == 1 })
	p.PollNow()
	waitFor(t, func() bool { return app.count() == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
