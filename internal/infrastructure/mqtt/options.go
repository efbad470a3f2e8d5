package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Availability payloads published to Options.StatusTopic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Options describes one broker connection.
//
// The same client serves the local Home Assistant broker (tcp/ssl, auto
// reconnect, retained availability topic) and the vendor shadow endpoint
// (pre-signed wss URL, reconnect driven by the caller).
type Options struct {
	// BrokerURL is a full broker URL: tcp://, ssl://, ws:// or wss://.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte

	// AutoReconnect lets paho reconnect on its own between RetryInterval and MaxRetryInterval.
	AutoReconnect    bool
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// StatusTopic, when set, receives a retained online/offline availability
	// message and is used as the Last Will topic.
	StatusTopic string

	// ConnectTimeout overrides defaultConnectTimeout when non-zero.
	ConnectTimeout time.Duration
}

// OptionsFromConfig builds Options for the local broker from config.yaml.
func OptionsFromConfig(cfg config.MQTTConfig, statusTopic string) Options {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return Options{
		BrokerURL:        fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port),
		ClientID:         cfg.Broker.ClientID,
		Username:         cfg.Auth.Username,
		Password:         cfg.Auth.Password,
		QoS:              byte(cfg.QoS),
		AutoReconnect:    true,
		RetryInterval:    time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		MaxRetryInterval: time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		StatusTopic:      statusTopic,
	}
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return defaultConnectTimeout
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL and client ID
//   - Authentication credentials (if provided)
//   - Auto-reconnect (local broker only)
//   - TLS 1.2+ for ssl:// and wss:// brokers
//   - Clean session mode
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(o.BrokerURL)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(o.AutoReconnect)
	if o.AutoReconnect {
		opts.SetConnectRetry(true)
		if o.RetryInterval > 0 {
			opts.SetConnectRetryInterval(o.RetryInterval)
		}
		if o.MaxRetryInterval > 0 {
			opts.SetMaxReconnectInterval(o.MaxRetryInterval)
		}
	}

	opts.SetConnectTimeout(o.connectTimeout())
	opts.SetKeepAlive(defaultKeepAlive)

	if o.usesTLS() {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	if o.StatusTopic != "" {
		opts.SetWill(o.StatusTopic, StatusOffline, 1, true)
	}

	return opts
}

func (o Options) usesTLS() bool {
	for _, prefix := range []string{"ssl://", "tls://", "mqtts://", "wss://"} {
		if len(o.BrokerURL) >= len(prefix) && o.BrokerURL[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
