package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps paho.mqtt.golang with subscription tracking and handler safety.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	client pahomqtt.Client
	opts   Options

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	nextBatch     uint64
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
// Topics subscribed by one SubscribeAll call share a batch.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
	batch   uint64
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked on paho's delivery goroutine and must not block
// for extended periods; a slow handler delays keep-alive processing.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Connect establishes a connection to the broker described by o.
//
// When o.StatusTopic is set a Last Will is registered and a retained
// "online" message is published on every (re)connect.
func Connect(o Options) (*Client, error) {
	c := newClient(o)

	token := c.client.Connect()
	if !token.WaitTimeout(o.connectTimeout()) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, o.connectTimeout())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected here so
	// IsConnected() is true as soon as Connect returns.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

func newClient(o Options) *Client {
	c := &Client{
		opts:          o,
		subscriptions: make(map[string]subscription),
	}

	popts := buildClientOptions(o)
	popts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	popts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(popts)
	return c
}

// handleConnect is called when the connection is established.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()

	if c.opts.StatusTopic != "" {
		c.client.Publish(c.opts.StatusTopic, c.opts.QoS, true, StatusOnline)
	}

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-subscribes tracked topics after a reconnect,
// one SUBSCRIBE per original SubscribeAll batch.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	batches := make(map[uint64]map[string]byte)
	handlers := make(map[uint64]MessageHandler)
	for _, sub := range c.subscriptions {
		if batches[sub.batch] == nil {
			batches[sub.batch] = make(map[string]byte)
			handlers[sub.batch] = sub.handler
		}
		batches[sub.batch][sub.topic] = sub.qos
	}
	c.subMu.RUnlock()

	for id, filters := range batches {
		filters := filters
		token := c.client.SubscribeMultiple(filters, c.wrapHandler(handlers[id]))
		go func() {
			if token.WaitTimeout(defaultPublishTimeout) && token.Error() == nil {
				return
			}
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT resubscribe failed", "topics", len(filters), "error", token.Error())
			}
		}()
	}
}

// Close drops all subscriptions and disconnects.
//
// A retained "offline" status is published first when a status topic is
// configured, so consumers can tell a clean shutdown from a crash (LWT).
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.subMu.Lock()
		topics := make([]string, 0, len(c.subscriptions))
		for topic := range c.subscriptions {
			topics = append(topics, topic)
		}
		c.subscriptions = make(map[string]subscription)
		c.subMu.Unlock()

		if len(topics) > 0 {
			c.client.Unsubscribe(topics...).WaitTimeout(defaultPublishTimeout)
		}
		if c.opts.StatusTopic != "" {
			c.client.Publish(c.opts.StatusTopic, c.opts.QoS, true, StatusOffline).WaitTimeout(defaultPublishTimeout)
		}
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck verifies the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// DefaultQoS returns the QoS configured for this connection.
func (c *Client) DefaultQoS() byte {
	return c.opts.QoS
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"topic", topic,
					"panic", r,
				)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error",
				"topic", topic,
				"error", err,
			)
		}
	}
}
