package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

const (
	// commandQoS is used for command subscriptions and events.
	commandQoS = 1

	// setTimeout bounds a SetField call made from a command topic.
	setTimeout = 5 * time.Second

	// Quick55Object is the command object of the "quick 55C" button.
	Quick55Object = "quick_55"

	manufacturer = "Deerma"
)

// ErrUnknownObject is returned for a command topic naming no writable entity.
var ErrUnknownObject = errors.New("registry: unknown command object")

// Broker is the local MQTT connection. It is satisfied by *mqtt.Client.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Commander issues field writes. It is satisfied by *command.Dispatcher.
type Commander interface {
	SetField(ctx context.Context, deviceID string, field shadow.Field, value int) (string, error)
}

// Snapshots lists current device records. It is satisfied by *shadow.Reconciler.
type Snapshots interface {
	List() []shadow.Shadow
}

// Logger is the logging interface used by the registry.
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

// Registry exposes purifiers to Home Assistant over the local broker:
// discovery configs, a retained state document per device, command topics
// routed to the dispatcher, and command_failed events.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Registry struct {
	broker    Broker
	commander Commander
	snapshots Snapshots
	topics    mqtt.Topics
	qos       byte
	logger    Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	devices map[string]cloud.Device
}

// New creates a Registry. snapshots may be nil; then Republish only
// re-announces discovery.
func New(broker Broker, commander Commander, snapshots Snapshots, topics mqtt.Topics, qos byte) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		broker:    broker,
		commander: commander,
		snapshots: snapshots,
		topics:    topics,
		qos:       qos,
		logger:    noopLogger{},
		ctx:       ctx,
		cancel:    cancel,
		devices:   make(map[string]cloud.Device),
	}
}

// SetLogger sets the logger.
func (r *Registry) SetLogger(l Logger) {
	if l != nil {
		r.logger = l
	}
}

// Start subscribes to every command topic.
func (r *Registry) Start() error {
	topic := r.topics.AllSet()
	if err := r.broker.Subscribe(topic, commandQoS, r.handleSet); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	r.logger.Info("subscribed to commands", "topic", topic)
	return nil
}

// Stop cancels in-flight command submissions.
func (r *Registry) Stop() {
	r.cancel()
}

// Announce publishes retained discovery configs for devices and remembers
// them for state publishing.
func (r *Registry) Announce(devices []cloud.Device) error {
	var errs []error
	for _, d := range devices {
		r.mu.Lock()
		r.devices[d.ID] = d
		r.mu.Unlock()

		for _, e := range entities(r.topics, d) {
			payload, err := json.Marshal(e.config)
			if err != nil {
				errs = append(errs, fmt.Errorf("encoding discovery %s: %w", e.topic, err))
				continue
			}
			if err := r.broker.Publish(e.topic, payload, r.qos, true); err != nil {
				errs = append(errs, fmt.Errorf("publishing discovery %s: %w", e.topic, err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.logger.Info("discovery published", "devices", len(devices))
	return nil
}

// Republish re-announces discovery and current states. Call it after the
// local broker reconnects.
func (r *Registry) Republish() {
	r.mu.RLock()
	devices := make([]cloud.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	if err := r.Announce(devices); err != nil {
		r.logger.Warn("republishing discovery", "error", err)
	}
	if r.snapshots == nil {
		return
	}
	for _, s := range r.snapshots.List() {
		r.publishState(s)
	}
}

// Listen publishes the device's state document. Register it with the
// reconciler's Subscribe.
func (r *Registry) Listen(change shadow.Change) {
	r.publishState(change.Shadow)
}

func (r *Registry) publishState(s shadow.Shadow) {
	payload, err := json.Marshal(NewState(s))
	if err != nil {
		r.logger.Error("encoding state", "device_id", s.DeviceID, "error", err)
		return
	}
	if err := r.broker.Publish(r.topics.State(s.DeviceID), payload, r.qos, true); err != nil {
		// The broker client reconnects on its own; Republish restores state.
		r.logger.Debug("publishing state", "device_id", s.DeviceID, "error", err)
	}
}

// CommandFailed publishes a command_failed event. Register it with the
// dispatcher's OnFailure.
func (r *Registry) CommandFailed(f command.Failure) {
	payload, err := json.Marshal(NewFailedEvent(f))
	if err != nil {
		r.logger.Error("encoding command event", "command_id", f.Command.ID, "error", err)
		return
	}
	if err := r.broker.Publish(r.topics.Event(f.Command.DeviceID), payload, commandQoS, false); err != nil {
		r.logger.Warn("publishing command event", "command_id", f.Command.ID, "error", err)
	}
}

// handleSet routes deerma/<id>/<object>/set to the dispatcher.
func (r *Registry) handleSet(topic string, payload []byte) error {
	deviceID, object, ok := r.topics.ParseSet(topic)
	if !ok {
		return fmt.Errorf("invalid command topic %q", topic)
	}

	field, value, err := ParseCommand(object, string(payload))
	if err != nil {
		r.logger.Warn("rejected command",
			"device_id", deviceID,
			"object", object,
			"payload", string(payload),
			"error", err,
		)
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, setTimeout)
	defer cancel()

	id, err := r.commander.SetField(ctx, deviceID, field, value)
	if err != nil {
		r.logger.Warn("command not accepted",
			"device_id", deviceID,
			"field", string(field),
			"error", err,
		)
		return err
	}
	r.logger.Debug("command accepted",
		"command_id", id,
		"device_id", deviceID,
		"field", string(field),
		"value", value,
	)
	return nil
}

// ParseCommand resolves a command object and payload into a field write.
// Selects accept an option label or code; the quick-55 button ignores its
// payload.
func ParseCommand(object, payload string) (shadow.Field, int, error) {
	if object == Quick55Object {
		return shadow.FieldTemperatureMode, shadow.Quick55Code, nil
	}

	field, err := shadow.ParseField(object)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrUnknownObject, object)
	}
	value, err := field.ParseValue(strings.TrimSpace(payload))
	if err != nil {
		return "", 0, err
	}
	return field, value, nil
}
