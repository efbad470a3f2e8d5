package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// Defaults.
const (
	DefaultQueueSize      = 64
	DefaultHandoffTimeout = 2 * time.Second

	// shadowQoS is the QoS the vendor endpoint accepts.
	shadowQoS = 1

	// livenessInterval is how often an idle connection is checked.
	livenessInterval = 15 * time.Second

	vendorConnectTimeout = 30 * time.Second
)

// DefaultReconnectDelays is the reconnect schedule; the last delay repeats.
var DefaultReconnectDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}

// ErrNotConnected is returned by PublishDesired when the device has no live connection.
var ErrNotConnected = errors.New("subscriber: device not connected")

// Conn is one broker connection. It is satisfied by *mqtt.Client.
type Conn interface {
	SubscribeAll(topics []string, qos byte, handler mqtt.MessageHandler) error
	PublishContext(ctx context.Context, topic string, payload []byte) error
	SetOnDisconnect(callback func(err error))
	IsConnected() bool
	Close() error
}

// Dialer opens a connection.
type Dialer func(o mqtt.Options) (Conn, error)

// DialMQTT is the production Dialer.
func DialMQTT(o mqtt.Options) (Conn, error) {
	c, err := mqtt.Connect(o)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Endpoints fetches signed endpoints. It is satisfied by *cloud.Client.
type Endpoints interface {
	MQTTEndpoint(ctx context.Context, token, deviceID string) (cloud.Endpoint, error)
}

// Sessions hands out valid tokens. It is satisfied by *session.Manager.
type Sessions interface {
	EnsureValid(ctx context.Context) (session.Session, error)
	Invalidate(ctx context.Context, token string) (session.Session, error)
}

// Applier receives deltas. It is satisfied by *shadow.Reconciler.
type Applier interface {
	Apply(u shadow.Update) shadow.Outcome
}

// Observer is told about connection and queue events (metrics).
type Observer interface {
	ObserveConnection(deviceID string, connected bool)
	ObserveDelta(deviceID string, outcome shadow.Outcome)
	ObserveDropped(deviceID string)
}

// Logger is the logging interface used by the subscriber.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Subscriber.
type Options struct {
	ReconnectDelays []time.Duration
	QueueSize       int
	HandoffTimeout  time.Duration
	// Resync is called after every successful reconnect (not the first connect).
	Resync func()
}

type message struct {
	deviceID string
	topic    string
	payload  []byte
}

type deviceConn struct {
	conn Conn
	lost chan error
}

// Subscriber maintains the vendor shadow connections.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Subscriber struct {
	endpoints Endpoints
	sessions  Sessions
	applier   Applier
	dial      Dialer
	opts      Options
	logger    Logger
	observer  Observer

	queue   chan message
	dropped atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	conns map[string]*deviceConn
}

// New creates a Subscriber. dial may be nil to use DialMQTT.
func New(endpoints Endpoints, sessions Sessions, applier Applier, dial Dialer, opts Options) *Subscriber {
	if dial == nil {
		dial = DialMQTT
	}
	if len(opts.ReconnectDelays) == 0 {
		opts.ReconnectDelays = DefaultReconnectDelays
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = DefaultHandoffTimeout
	}
	return &Subscriber{
		endpoints: endpoints,
		sessions:  sessions,
		applier:   applier,
		dial:      dial,
		opts:      opts,
		logger:    noopLogger{},
		queue:     make(chan message, opts.QueueSize),
		sleep:     sleepContext,
		conns:     make(map[string]*deviceConn),
	}
}

// SetLogger sets the logger.
func (s *Subscriber) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetObserver sets the event observer.
func (s *Subscriber) SetObserver(o Observer) {
	s.observer = o
}

// Dropped returns how many messages were dropped on queue overflow.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Connected reports whether deviceID currently has a live connection.
func (s *Subscriber) Connected(deviceID string) bool {
	s.mu.RLock()
	dc := s.conns[deviceID]
	s.mu.RUnlock()
	return dc != nil && dc.conn.IsConnected()
}

// Run maintains a connection per device and processes messages until ctx
// is cancelled. On return every connection has been closed.
func (s *Subscriber) Run(ctx context.Context, deviceIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.process(gctx)
	})
	for _, id := range deviceIDs {
		id := id
		g.Go(func() error {
			return s.maintain(gctx, id)
		})
	}
	return g.Wait()
}

// maintain connects deviceID and reconnects it after every loss.
func (s *Subscriber) maintain(ctx context.Context, deviceID string) error {
	failures := 0
	everConnected := false

	for {
		dc, err := s.connect(ctx, deviceID)
		if err == nil {
			failures = 0
			if everConnected && s.opts.Resync != nil {
				s.opts.Resync()
			}
			everConnected = true

			lostErr := s.watch(ctx, dc)
			s.disconnect(deviceID, dc)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("shadow connection lost", "device_id", deviceID, "error", lostErr)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("shadow connect failed", "device_id", deviceID, "error", err)
		}

		delay := s.opts.ReconnectDelays[min(failures, len(s.opts.ReconnectDelays)-1)]
		failures++
		s.logger.Info("reconnecting shadow connection", "device_id", deviceID, "delay", delay, "attempt", failures)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// watch blocks until the connection is lost or ctx is cancelled.
func (s *Subscriber) watch(ctx context.Context, dc *deviceConn) error {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-dc.lost:
			return err
		case <-ticker.C:
			if !dc.conn.IsConnected() {
				return mqtt.ErrNotConnected
			}
		}
	}
}

func (s *Subscriber) connect(ctx context.Context, deviceID string) (*deviceConn, error) {
	sess, err := s.sessions.EnsureValid(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ep, err := s.endpoints.MQTTEndpoint(ctx, sess.AccessToken, deviceID)
	if err != nil {
		if cloud.IsAuth(err) {
			if _, rerr := s.sessions.Invalidate(ctx, sess.AccessToken); rerr != nil {
				s.logger.Error("session renewal after auth failure failed", "error", rerr)
			}
		}
		return nil, fmt.Errorf("fetching endpoint: %w", err)
	}

	conn, err := s.dial(mqtt.Options{
		BrokerURL:      ep.URL,
		ClientID:       ep.ClientID,
		QoS:            shadowQoS,
		AutoReconnect:  false,
		ConnectTimeout: vendorConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	dc := &deviceConn{conn: conn, lost: make(chan error, 1)}
	conn.SetOnDisconnect(func(err error) {
		if err == nil {
			err = mqtt.ErrNotConnected
		}
		select {
		case dc.lost <- err:
		default:
		}
	})

	topics := mqtt.ShadowTopics(deviceID)
	if err := conn.SubscribeAll([]string{topics.GetAccepted(), topics.UpdateAccepted()}, shadowQoS, s.handler(deviceID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	s.mu.Lock()
	s.conns[deviceID] = dc
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.ObserveConnection(deviceID, true)
	}

	// Ask for the full document; the answer arrives on get/accepted.
	if err := conn.PublishContext(ctx, topics.Get(), []byte("{}")); err != nil {
		s.logger.Warn("shadow get request failed", "device_id", deviceID, "error", err)
	}

	s.logger.Info("shadow connection established", "device_id", deviceID, "client_id", ep.ClientID)
	return dc, nil
}

func (s *Subscriber) disconnect(deviceID string, dc *deviceConn) {
	s.mu.Lock()
	if s.conns[deviceID] == dc {
		delete(s.conns, deviceID)
	}
	s.mu.Unlock()

	if err := dc.conn.Close(); err != nil {
		s.logger.Debug("closing shadow connection", "device_id", deviceID, "error", err)
	}
	if s.observer != nil {
		s.observer.ObserveConnection(deviceID, false)
	}
}

// handler returns the paho callback for deviceID. It only enqueues.
func (s *Subscriber) handler(deviceID string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		msg := message{deviceID: deviceID, topic: topic, payload: payload}

		select {
		case s.queue <- msg:
			return nil
		default:
		}

		timer := time.NewTimer(s.opts.HandoffTimeout)
		defer timer.Stop()
		select {
		case s.queue <- msg:
			return nil
		case <-timer.C:
			s.dropped.Add(1)
			if s.observer != nil {
				s.observer.ObserveDropped(deviceID)
			}
			return fmt.Errorf("subscriber: queue full, dropped message for %s on %s", deviceID, topic)
		}
	}
}

// process drains the queue into the reconciler until ctx is cancelled.
func (s *Subscriber) process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.queue:
			s.handle(msg)
		}
	}
}

func (s *Subscriber) handle(msg message) {
	doc, err := cloud.ParseDocument(msg.payload)
	if err != nil {
		s.logger.Warn("discarding unparsable shadow message", "device_id", msg.deviceID, "topic", msg.topic, "error", err)
		return
	}
	if !doc.HasVersion {
		s.logger.Warn("discarding shadow message without version", "device_id", msg.deviceID, "topic", msg.topic)
		return
	}
	if doc.DesiredOnly || len(doc.Fields) == 0 {
		s.logger.Debug("shadow message without reported state", "device_id", msg.deviceID, "version", doc.Version)
		return
	}

	outcome := s.applier.Apply(doc.Update(msg.deviceID, shadow.KindDelta, shadow.SourceMQTT))
	if s.observer != nil {
		s.observer.ObserveDelta(msg.deviceID, outcome)
	}
	s.logger.Debug("shadow delta",
		"device_id", msg.deviceID,
		"version", doc.Version,
		"fields", len(doc.Fields),
		"outcome", outcome.String(),
	)
}

// PublishDesired sends a desired-state update for deviceID, tagged with
// correlationID as the shadow client token.
func (s *Subscriber) PublishDesired(ctx context.Context, deviceID, correlationID string, fields map[shadow.Field]int) error {
	s.mu.RLock()
	dc := s.conns[deviceID]
	s.mu.RUnlock()
	if dc == nil || !dc.conn.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	payload, err := cloud.DesiredPayload(deviceID, correlationID, fields)
	if err != nil {
		return err
	}
	if err := dc.conn.PublishContext(ctx, mqtt.ShadowTopics(deviceID).Update(), payload); err != nil {
		return fmt.Errorf("publishing desired state: %w", err)
	}
	return nil
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
