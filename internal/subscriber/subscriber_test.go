package subscriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// ============================================================================
// Fakes
// ============================================================================

type published struct {
	topic   string
	payload string
}

type fakeConn struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	published    []published
	onDisconnect func(error)
	connected    atomic.Bool
	closed       atomic.Bool
}

func newFakeConn() *fakeConn {
	c := &fakeConn{handlers: make(map[string]mqtt.MessageHandler)}
	c.connected.Store(true)
	return c
}

func (c *fakeConn) SubscribeAll(topics []string, _ byte, h mqtt.MessageHandler) error {
	c.mu.Lock()
	for _, topic := range topics {
		c.handlers[topic] = h
	}
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) PublishContext(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	c.published = append(c.published, published{topic, string(payload)})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetOnDisconnect(cb func(error)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

func (c *fakeConn) IsConnected() bool { return c.connected.Load() && !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// deliver simulates an inbound message.
func (c *fakeConn) deliver(topic, payload string) error {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h == nil {
		return errors.New("no handler for " + topic)
	}
	return h(topic, []byte(payload))
}

func (c *fakeConn) drop() {
	c.connected.Store(false)
	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	cb(errors.New("connection reset"))
}

func (c *fakeConn) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	opts  []mqtt.Options
	fail  atomic.Int32 // number of dials to fail
}

func (d *fakeDialer) dial(o mqtt.Options) (Conn, error) {
	if d.fail.Load() > 0 {
		d.fail.Add(-1)
		return nil, mqtt.ErrConnectionFailed
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.opts = append(d.opts, o)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeEndpoints struct{ err error }

func (f fakeEndpoints) MQTTEndpoint(_ context.Context, _, deviceID string) (cloud.Endpoint, error) {
	if f.err != nil {
		return cloud.Endpoint{}, f.err
	}
	return cloud.Endpoint{URL: "wss://vendor.example/mqtt?sig=1", ClientID: "c-" + deviceID}, nil
}

type fakeSessions struct{ invalidated atomic.Int32 }

func (s *fakeSessions) EnsureValid(context.Context) (session.Session, error) {
	return session.Session{AccessToken: "tok"}, nil
}

func (s *fakeSessions) Invalidate(context.Context, string) (session.Session, error) {
	s.invalidated.Add(1)
	return session.Session{AccessToken: "tok2"}, nil
}

type recordingApplier struct {
	mu      sync.Mutex
	updates []shadow.Update
	block   chan struct{}
}

func (r *recordingApplier) Apply(u shadow.Update) shadow.Outcome {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return shadow.OutcomeApplied
}

func (r *recordingApplier) all() []shadow.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shadow.Update(nil), r.updates...)
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

func newTestSubscriber(app Applier, dialer *fakeDialer, opts Options) (*Subscriber, *[]time.Duration) {
	s := New(fakeEndpoints{}, &fakeSessions{}, app, dialer.dial, opts)
	var mu sync.Mutex
	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return s, &sleeps
}

// ============================================================================
// Tests
// ============================================================================

func TestRun_SubscribesAndAppliesDeltas(t *testing.T) {
	app := &recordingApplier{}
	dialer := &fakeDialer{}
	s, _ := newTestSubscriber(app, dialer, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []string{"d1"}) }()

	waitFor(t, func() bool { return s.Connected("d1") })
	conn := dialer.conn(0)

	if dialer.opts[0].BrokerURL != "wss://vendor.example/mqtt?sig=1" || dialer.opts[0].AutoReconnect {
		t.Errorf("dial options = %+v", dialer.opts[0])
	}
	pubs := conn.publishes()
	if len(pubs) != 1 || pubs[0].topic != "$aws/things/d1/shadow/get" || pubs[0].payload != "{}" {
		t.Errorf("initial publishes = %+v, want shadow get", pubs)
	}

	err := conn.deliver("$aws/things/d1/shadow/update/accepted", `{"state":{"reported":{"TDS":15}},"version":6}`)
	if err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	conn.deliver("$aws/things/d1/shadow/get/accepted", `not json`)
	conn.deliver("$aws/things/d1/shadow/update/accepted", `{"state":{"reported":{"TDS":16}}}`)
	conn.deliver("$aws/things/d1/shadow/update/accepted", `{"state":{"desired":{"SetTemp":6}},"version":7}`)

	waitFor(t, func() bool { return len(app.all()) == 1 })
	u := app.all()[0]
	if u.Kind != shadow.KindDelta || u.Version != 6 || u.Fields[shadow.FieldPurifiedTDS] != 15 || u.Source != shadow.SourceMQTT {
		t.Errorf("update = %+v", u)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	if !conn.closed.Load() {
		t.Error("connection not closed on shutdown")
	}
	time.Sleep(20 * time.Millisecond)
	if len(app.all()) != 1 {
		t.Errorf("applied = %d, want only the versioned reported message", len(app.all()))
	}
}

func TestRun_ReconnectsWithScheduleAndResyncs(t *testing.T) {
	var resyncs atomic.Int32
	dialer := &fakeDialer{}
	dialer.fail.Store(5)
	s, sleeps := newTestSubscriber(&recordingApplier{}, dialer, Options{
		Resync: func() { resyncs.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, []string{"d1"})

	waitFor(t, func() bool { return dialer.count() == 1 })
	if resyncs.Load() != 0 {
		t.Error("resync requested on first connect")
	}
	want := "[5s 10s 15s 30s 30s]"
	if got := durations(sleeps); got != want {
		t.Errorf("sleeps = %s, want %s", got, want)
	}

	dialer.conn(0).drop()
	waitFor(t, func() bool { return dialer.count() == 2 })
	waitFor(t, func() bool { return resyncs.Load() == 1 })
	if !dialer.conn(0).closed.Load() {
		t.Error("lost connection not closed")
	}
}

func durations(p *[]time.Duration) string {
	parts := make([]string, 0, len(*p))
	for _, d := range *p {
		parts = append(parts, d.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func TestConnect_AuthFailureInvalidatesSession(t *testing.T) {
	sessions := &fakeSessions{}
	s := New(fakeEndpoints{err: &cloud.AuthError{Op: "mqtt_endpoint", Status: 401}}, sessions, &recordingApplier{}, (&fakeDialer{}).dial, Options{})

	if _, err := s.connect(context.Background(), "d1"); !cloud.IsAuth(err) {
		t.Fatalf("connect() error = %v, want AuthError", err)
	}
	if sessions.invalidated.Load() != 1 {
		t.Errorf("Invalidate calls = %d, want 1", sessions.invalidated.Load())
	}
}

func TestHandler_BoundedHandoffDropsOnOverflow(t *testing.T) {
	s := New(fakeEndpoints{}, &fakeSessions{}, &recordingApplier{}, nil, Options{
		QueueSize:      1,
		HandoffTimeout: 20 * time.Millisecond,
	})
	h := s.handler("d1")

	if err := h("t", []byte("1")); err != nil {
		t.Fatalf("first handoff error = %v", err)
	}
	start := time.Now()
	err := h("t", []byte("2"))
	if err == nil {
		t.Fatal("second handoff succeeded with a full queue and no consumer")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handoff blocked for %v", elapsed)
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestPublishDesired(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSubscriber(&recordingApplier{}, dialer, Options{})

	fields := map[shadow.Field]int{shadow.FieldTemperatureMode: 6}
	if err := s.PublishDesired(context.Background(), "d1", "cid", fields); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishDesired() before connect error = %v, want ErrNotConnected", err)
	}

	if _, err := s.connect(context.Background(), "d1"); err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	if err := s.PublishDesired(context.Background(), "d1", "cid", fields); err != nil {
		t.Fatalf("PublishDesired() error = %v", err)
	}

	pubs := dialer.conn(0).publishes()
	last := pubs[len(pubs)-1]
	if last.topic != "$aws/things/d1/shadow/update" {
		t.Errorf("topic = %q", last.topic)
	}
	if !strings.Contains(last.payload, `"SetTemp":6`) || !strings.Contains(last.payload, `"clientToken":"cid"`) {
		t.Errorf("payload = %s", last.payload)
	}
}
