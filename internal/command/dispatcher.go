package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// Defaults.
const (
	DefaultTimeout = 10 * time.Second

	// recentCapacity bounds how many resolved commands stay queryable in memory.
	recentCapacity = 256

	logWriteTimeout = 5 * time.Second
)

// Publisher sends a desired-state update. It is satisfied by *subscriber.Subscriber.
type Publisher interface {
	PublishDesired(ctx context.Context, deviceID, correlationID string, fields map[shadow.Field]int) error
}

// Overlay holds the optimistic display value. It is satisfied by *shadow.Reconciler.
type Overlay interface {
	Has(deviceID string) bool
	SetDesired(deviceID string, f shadow.Field, value float64, commandID string) error
	ClearDesired(deviceID string, f shadow.Field, commandID string) bool
}

// Log persists command transitions.
type Log interface {
	Record(ctx context.Context, c Command) error
	Get(ctx context.Context, id string) (Command, error)
}

// Observer is told about every terminal transition (metrics).
type Observer interface {
	ObserveCommand(deviceID string, field shadow.Field, state State, latency time.Duration)
}

// Logger is the logging interface used by the dispatcher.
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

type key struct {
	deviceID string
	field    shadow.Field
}

type entry struct {
	cmd   Command
	timer *time.Timer
}

// Dispatcher issues commands and resolves them against device reports.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Dispatcher struct {
	publisher Publisher
	overlay   Overlay
	log       Log
	timeout   time.Duration
	logger    Logger
	observer  Observer
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	spawnMu  sync.Mutex
	draining bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[key]*entry
	byID    map[string]*entry
	recent  []string

	failureMu sync.RWMutex
	onFailure []func(Failure)
}

// New creates a Dispatcher. log may be nil to keep history in memory only.
// A non-positive timeout selects DefaultTimeout.
func New(publisher Publisher, overlay Overlay, log Log, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		publisher: publisher,
		overlay:   overlay,
		log:       log,
		timeout:   timeout,
		logger:    noopLogger{},
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[key]*entry),
		byID:      make(map[string]*entry),
	}
}

// SetLogger sets the logger.
func (d *Dispatcher) SetLogger(l Logger) {
	if l != nil {
		d.logger = l
	}
}

// SetObserver sets the metrics observer.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// OnFailure registers a callback for timed-out and failed commands.
// Callbacks run synchronously on the resolving goroutine and must not block.
func (d *Dispatcher) OnFailure(fn func(Failure)) {
	d.failureMu.Lock()
	defer d.failureMu.Unlock()
	d.onFailure = append(d.onFailure, fn)
}

// SetField sends value to a writable field and returns the command id at
// once. The outcome is observed through Get, the device record's desired
// overlay, and OnFailure.
func (d *Dispatcher) SetField(ctx context.Context, deviceID string, field shadow.Field, value int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if deviceID == "" {
		return "", fmt.Errorf("%w: empty device id", shadow.ErrDeviceNotFound)
	}
	if err := field.ValidateCode(value); err != nil {
		return "", err
	}
	if !d.overlay.Has(deviceID) {
		return "", fmt.Errorf("%w: %s", shadow.ErrDeviceNotFound, deviceID)
	}

	now := d.now()
	cmd := Command{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Field:    field,
		Value:    value,
		State:    StateSent,
		IssuedAt: now,
		Deadline: now.Add(d.timeout),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}

	k := key{deviceID, field}
	var superseded *Command
	if old := d.pending[k]; old != nil {
		old.timer.Stop()
		d.finish(old, StateSuperseded, "")
		c := old.cmd
		superseded = &c
	}

	e := &entry{cmd: cmd}
	d.pending[k] = e
	d.byID[cmd.ID] = e
	id := cmd.ID
	e.timer = time.AfterFunc(d.timeout, func() {
		d.resolve(id, StateTimedOut, ErrCommandTimeout)
	})
	d.mu.Unlock()

	if superseded != nil {
		d.logger.Debug("command superseded",
			"command_id", superseded.ID,
			"device_id", deviceID,
			"field", string(field),
			"by", id,
		)
		d.terminal(*superseded)
	}

	// The overlay replaces any superseded value, so display follows the newest command.
	if err := d.overlay.SetDesired(deviceID, field, float64(value), id); err != nil {
		d.resolve(id, StateFailed, err)
		return "", err
	}

	d.persist(cmd)
	d.goAsync(func() { d.publish(cmd) })

	d.logger.Info("command sent",
		"command_id", id,
		"device_id", deviceID,
		"field", string(field),
		"value", value,
	)
	return id, nil
}

func (d *Dispatcher) publish(cmd Command) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	err := d.publisher.PublishDesired(ctx, cmd.DeviceID, cmd.ID, map[shadow.Field]int{cmd.Field: cmd.Value})
	if err == nil {
		return
	}
	if d.ctx.Err() != nil {
		// Close abandons the command.
		return
	}
	d.logger.Warn("command publish failed",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"error", err,
	)
	d.resolve(cmd.ID, StateFailed, fmt.Errorf("publishing command: %w", err))
}

// Listen resolves commands confirmed by a device report. Register it with
// the reconciler's Subscribe.
func (d *Dispatcher) Listen(change shadow.Change) {
	if change.Reason != shadow.ReasonApply {
		return
	}
	for _, c := range change.Confirmed {
		d.resolve(c.CommandID, StateConfirmed, nil)
	}
}

// resolve moves a pending command to a terminal state. Only the first
// resolution of a command has any effect.
func (d *Dispatcher) resolve(id string, state State, cause error) {
	d.mu.Lock()
	e := d.byID[id]
	if e == nil || e.cmd.State.Terminal() {
		d.mu.Unlock()
		return
	}
	e.timer.Stop()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	d.finish(e, state, msg)
	cmd := e.cmd
	d.mu.Unlock()

	switch state {
	case StateConfirmed:
		d.logger.Info("command confirmed",
			"command_id", id,
			"device_id", cmd.DeviceID,
			"field", string(cmd.Field),
			"latency", cmd.Latency(),
		)
	case StateTimedOut, StateFailed:
		d.overlay.ClearDesired(cmd.DeviceID, cmd.Field, cmd.ID)
		d.logger.Warn("command failed",
			"command_id", id,
			"device_id", cmd.DeviceID,
			"field", string(cmd.Field),
			"state", string(state),
			"error", cause,
		)
	}

	d.terminal(cmd)

	if state == StateTimedOut || state == StateFailed {
		d.fail(Failure{Command: cmd, Err: cause})
	}
}

// finish records the terminal state. Caller must hold d.mu.
func (d *Dispatcher) finish(e *entry, state State, msg string) {
	e.cmd.State = state
	e.cmd.Error = msg
	e.cmd.ResolvedAt = d.now()

	k := key{e.cmd.DeviceID, e.cmd.Field}
	if d.pending[k] == e {
		delete(d.pending, k)
	}

	d.recent = append(d.recent, e.cmd.ID)
	if len(d.recent) > recentCapacity {
		evict := d.recent[0]
		d.recent = d.recent[1:]
		if old := d.byID[evict]; old != nil && old.cmd.State.Terminal() {
			delete(d.byID, evict)
		}
	}
}

func (d *Dispatcher) terminal(cmd Command) {
	d.persist(cmd)
	if d.observer != nil {
		d.observer.ObserveCommand(cmd.DeviceID, cmd.Field, cmd.State, cmd.Latency())
	}
}

func (d *Dispatcher) fail(f Failure) {
	d.failureMu.RLock()
	handlers := make([]func(Failure), len(d.onFailure))
	copy(handlers, d.onFailure)
	d.failureMu.RUnlock()

	for _, h := range handlers {
		h(f)
	}
}

// persist writes a transition to the log in the background. Terminal rows
// are never overwritten by a late "sent" write.
func (d *Dispatcher) persist(cmd Command) {
	if d.log == nil {
		return
	}
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
		defer cancel()
		if err := d.log.Record(ctx, cmd); err != nil {
			d.logger.Error("recording command",
				"command_id", cmd.ID,
				"state", string(cmd.State),
				"error", err,
			)
		}
	}
	if !d.goAsync(write) {
		write()
	}
}

// goAsync runs fn on a tracked goroutine. Once Close has started waiting
// it returns false without running fn.
func (d *Dispatcher) goAsync(fn func()) bool {
	d.spawnMu.Lock()
	defer d.spawnMu.Unlock()
	if d.draining {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

// Get returns a command by id, from memory or the log.
func (d *Dispatcher) Get(ctx context.Context, id string) (Command, error) {
	d.mu.Lock()
	e := d.byID[id]
	var cmd Command
	if e != nil {
		cmd = e.cmd
	}
	d.mu.Unlock()
	if e != nil {
		return cmd, nil
	}

	if d.log == nil {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.log.Get(ctx, id)
}

// Pending returns the in-flight commands of a device ("" for all devices).
func (d *Dispatcher) Pending(deviceID string) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Command
	for k, e := range d.pending {
		if deviceID == "" || k.deviceID == deviceID {
			out = append(out, e.cmd)
		}
	}
	return out
}

// Close abandons every pending command without reverting its overlay and
// waits for background publishes and log writes to finish. SetField fails
// with ErrClosed afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true

	abandoned := make([]Command, 0, len(d.pending))
	for _, e := range d.pending {
		e.timer.Stop()
		e.cmd.State = StateAbandoned
		e.cmd.ResolvedAt = d.now()
		abandoned = append(abandoned, e.cmd)
	}
	d.pending = make(map[key]*entry)
	d.mu.Unlock()

	d.cancel()
	for _, cmd := range abandoned {
		d.terminal(cmd)
	}
	if len(abandoned) > 0 {
		d.logger.Info("pending commands abandoned", "count", len(abandoned))
	}

	d.spawnMu.Lock()
	d.draining = true
	d.spawnMu.Unlock()
	d.wg.Wait()
}
