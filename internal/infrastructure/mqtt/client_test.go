package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
)

// =============================================================================
// Options Tests
// =============================================================================

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "broker.local", Port: 8883, TLS: true, ClientID: "bridge"},
		Auth:   config.MQTTAuthConfig{Username: "u", Password: "p"},
		QoS:    1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 2,
			MaxDelay:     30,
		},
	}

	o := OptionsFromConfig(cfg, "deerma/bridge/status")

	if o.BrokerURL != "ssl://broker.local:8883" {
		t.Errorf("BrokerURL = %q, want ssl://broker.local:8883", o.BrokerURL)
	}
	if !o.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if o.RetryInterval != 2*time.Second || o.MaxRetryInterval != 30*time.Second {
		t.Errorf("retry = %v..%v, want 2s..30s", o.RetryInterval, o.MaxRetryInterval)
	}
	if o.StatusTopic != "deerma/bridge/status" {
		t.Errorf("StatusTopic = %q", o.StatusTopic)
	}
}

func TestBuildClientOptions(t *testing.T) {
	o := Options{
		BrokerURL:   "wss://vendor.example.com/mqtt?X-Amz-Signature=abc",
		ClientID:    "app-1",
		QoS:         1,
		StatusTopic: "deerma/bridge/status",
	}

	popts := buildClientOptions(o)

	if len(popts.Servers) != 1 || popts.Servers[0].Scheme != "wss" {
		t.Fatalf("Servers = %v, want one wss server", popts.Servers)
	}
	if popts.ClientID != "app-1" {
		t.Errorf("ClientID = %q", popts.ClientID)
	}
	if popts.AutoReconnect {
		t.Error("AutoReconnect = true, want false for caller-driven reconnect")
	}
	if popts.TLSConfig == nil {
		t.Error("TLSConfig = nil, want TLS for wss")
	}
	if !popts.WillEnabled || popts.WillTopic != "deerma/bridge/status" || string(popts.WillPayload) != StatusOffline {
		t.Errorf("will = %v %q %q", popts.WillEnabled, popts.WillTopic, popts.WillPayload)
	}
}

func TestOptions_UsesTLS(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"tcp://localhost:1883", false},
		{"ws://localhost:9001", false},
		{"ssl://localhost:8883", true},
		{"wss://host/mqtt", true},
	}
	for _, tt := range tests {
		if got := (Options{BrokerURL: tt.url}).usesTLS(); got != tt.want {
			t.Errorf("usesTLS(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	c := newClient(Options{BrokerURL: "tcp://127.0.0.1:1", ClientID: "t"})

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(empty topic) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("a/b", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	big := []byte(strings.Repeat("x", maxPayloadSize+1))
	if err := c.Publish("a/b", big, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish(oversized) error = %v, want ErrPublishFailed", err)
	}
	if err := c.Publish("a/b", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish(disconnected) error = %v, want ErrNotConnected", err)
	}
	if err := c.PublishContext(context.Background(), "a/b", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishContext(disconnected) error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newClient(Options{BrokerURL: "tcp://127.0.0.1:1", ClientID: "t"})
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("a/b", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("a/b", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe(disconnected) error = %v, want ErrNotConnected", err)
	}
	if err := c.SubscribeAll(nil, 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("SubscribeAll(nil) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.SubscribeAll([]string{"a/b", ""}, 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("SubscribeAll(empty topic) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.SubscribeAll([]string{"a/b"}, 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("SubscribeAll(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	c := newClient(Options{BrokerURL: "tcp://127.0.0.1:1", ClientID: "t"})
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (r *recordingLogger) Error(msg string, _ ...any) { r.errors = append(r.errors, msg) }
func (r *recordingLogger) Warn(msg string, _ ...any)  { r.warns = append(r.warns, msg) }

func TestDispatch_RecoversPanicAndLogsErrors(t *testing.T) {
	c := newClient(Options{BrokerURL: "tcp://127.0.0.1:1", ClientID: "t"})
	log := &recordingLogger{}
	c.SetLogger(log)

	c.dispatch(func(string, []byte) error { panic("boom") }, "a/b", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "a/b", nil)

	if len(log.errors) != 1 {
		t.Errorf("errors logged = %d, want 1 (panic)", len(log.errors))
	}
	if len(log.warns) != 1 {
		t.Errorf("warns logged = %d, want 1 (handler error)", len(log.warns))
	}
}
