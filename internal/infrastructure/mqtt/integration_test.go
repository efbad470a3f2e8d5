//go:build integration

package mqtt

import (
	"testing"
	"time"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationOptions(clientID string) Options {
	return Options{
		BrokerURL:        "tcp://127.0.0.1:1883",
		ClientID:         clientID,
		QoS:              1,
		AutoReconnect:    true,
		RetryInterval:    time.Second,
		MaxRetryInterval: 5 * time.Second,
		StatusTopic:      "deerma-int/bridge/status",
	}
}

func TestIntegration_PublishSubscribeRoundTrip(t *testing.T) {
	sub, err := Connect(integrationOptions("deerma-int-sub"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sub.Close()

	pub, err := Connect(integrationOptions("deerma-int-pub"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pub.Close()

	received := make(chan string, 1)
	topics := Topics{Prefix: "deerma-int"}
	if err := sub.Subscribe(topics.AllSet(), 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := pub.Publish(topics.Set("dev", "volume_mode"), []byte("2"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "deerma-int/dev/volume_mode/set=2" {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestIntegration_CloseClearsSubscriptions(t *testing.T) {
	c, err := Connect(integrationOptions("deerma-int-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SubscribeAll([]string{"deerma-int/a", "deerma-int/b"}, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Close, want 0", c.SubscriptionCount())
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}
