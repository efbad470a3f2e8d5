package shadow

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger is the logging interface used by the reconciler.
// It is satisfied by *logging.Logger.
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

// Listener receives every change. It runs on the goroutine that made the
// mutation (or on the goroutine already delivering for that device) and
// should return quickly.
type Listener func(Change)

// Observer is told the outcome of every Apply, including discarded ones.
type Observer interface {
	ObserveApply(deviceID string, kind UpdateKind, outcome Outcome)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithObserver registers an apply observer (metrics).
func WithObserver(o Observer) Option {
	return func(r *Reconciler) {
		r.observer = o
	}
}

// Reconciler owns every device record and is the single mutation point
// for shadow state.
//
// Thread Safety:
//   - The arena map is guarded by its own RWMutex, used only to find or
//     insert a record.
//   - Each record has its own mutex; all field writes for one device are
//     serialized on it.
type Reconciler struct {
	mu      sync.RWMutex
	records map[string]*record

	listenerMu sync.RWMutex
	listeners  []Listener

	now      func() time.Time
	logger   Logger
	observer Observer
}

// record is one arena slot. Changes are queued under mu and delivered by
// whichever goroutine holds the delivering flag, so listeners see changes
// in mutation order without any lock held.
type record struct {
	mu         sync.Mutex
	state      Shadow
	queue      []Change
	delivering bool
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		records: make(map[string]*record),
		now:     time.Now,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener for all subsequent changes.
func (r *Reconciler) Subscribe(l Listener) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenerMu.Unlock()
}

// recordFor returns the record for id, creating it on first use.
func (r *Reconciler) recordFor(id string) *record {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		return rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok = r.records[id]; ok {
		return rec
	}
	rec = &record{
		state: Shadow{
			DeviceID: id,
			Reported: make(map[Field]FieldValue, len(ReportedFields)),
		},
	}
	r.records[id] = rec
	return rec
}

func (r *Reconciler) lookup(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Apply merges a snapshot or delta into the device record.
//
// An update whose version is not newer than the record's is discarded and
// OutcomeStaleVersion returned; this is not an error. Otherwise:
//   - every field carried by the update becomes valid with a fresh timestamp
//   - a snapshot that omits a previously valid field retains the old value
//     and marks it stale
//   - fields a delta does not mention are left untouched
//   - a carried value equal to an in-flight desired value confirms it
//   - a snapshot marks the device online unless it says otherwise
func (r *Reconciler) Apply(u Update) Outcome {
	if u.DeviceID == "" {
		return OutcomeIgnored
	}

	rec := r.recordFor(u.DeviceID)
	rec.mu.Lock()

	st := &rec.state
	if st.HasVersion && u.Version <= st.Version {
		current := st.Version
		rec.mu.Unlock()

		r.logger.Debug("stale shadow version discarded",
			"device_id", u.DeviceID,
			"kind", u.Kind.String(),
			"source", u.Source,
			"version", u.Version,
			"current_version", current,
		)
		r.observe(u, OutcomeStaleVersion)
		return OutcomeStaleVersion
	}

	now := r.now()
	change := Change{
		Reason: ReasonApply,
		Kind:   u.Kind,
		Source: u.Source,
	}

	for _, f := range ReportedFields {
		value, present := u.Fields[f]
		prev := st.Reported[f]

		switch {
		case present:
			st.Reported[f] = FieldValue{
				Status:    FieldValid,
				Value:     value,
				UpdatedAt: now,
			}
			change.Updated = append(change.Updated, f)

			if d, pending := st.Desired[f]; pending && d.Value == value {
				delete(st.Desired, f)
				change.Confirmed = append(change.Confirmed, Confirmation{Field: f, CommandID: d.CommandID})
			}

		case u.Kind == KindSnapshot && prev.Status == FieldValid:
			prev.Status = FieldStale
			prev.StaleSince = now
			st.Reported[f] = prev
			change.Retained = append(change.Retained, f)
		}
	}

	st.Version = u.Version
	st.HasVersion = true
	if u.Kind == KindSnapshot {
		st.Online = true
	}
	if u.Online != nil {
		st.Online = *u.Online
	}
	st.UpdatedAt = now

	change.Shadow = st.clone()
	r.publish(rec, change)

	if len(change.Retained) > 0 {
		r.logger.Debug("retained stale fields",
			"device_id", u.DeviceID,
			"version", u.Version,
			"fields", change.Retained,
		)
	}
	r.observe(u, OutcomeApplied)
	return OutcomeApplied
}

func (r *Reconciler) observe(u Update, o Outcome) {
	if r.observer != nil {
		r.observer.ObserveApply(u.DeviceID, u.Kind, o)
	}
}

// Has reports whether a record exists for deviceID. Records are created
// only by Apply and SetOnline.
func (r *Reconciler) Has(deviceID string) bool {
	_, ok := r.lookup(deviceID)
	return ok
}

// SetDesired overlays an in-flight command value on a writable field.
// Any previous desired value for the field is replaced. It returns
// ErrDeviceNotFound for a device that has never been polled or reported.
func (r *Reconciler) SetDesired(deviceID string, f Field, value float64, commandID string) error {
	if !f.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnlyField, f)
	}

	rec, ok := r.lookup(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	rec.mu.Lock()

	st := &rec.state
	if st.Desired == nil {
		st.Desired = make(map[Field]Desired)
	}
	st.Desired[f] = Desired{
		Value:     value,
		CommandID: commandID,
		IssuedAt:  r.now(),
	}

	r.publish(rec, Change{
		Shadow:  st.clone(),
		Reason:  ReasonDesiredSet,
		Updated: []Field{f},
	})
	return nil
}

// ClearDesired removes the desired overlay of f if it still belongs to
// commandID, reverting the displayed value to the reported one. It
// reports whether anything was cleared.
func (r *Reconciler) ClearDesired(deviceID string, f Field, commandID string) bool {
	rec, ok := r.lookup(deviceID)
	if !ok {
		return false
	}
	rec.mu.Lock()

	st := &rec.state
	d, pending := st.Desired[f]
	if !pending || d.CommandID != commandID {
		rec.mu.Unlock()
		return false
	}
	delete(st.Desired, f)

	r.publish(rec, Change{
		Shadow:  st.clone(),
		Reason:  ReasonDesiredClear,
		Updated: []Field{f},
	})
	return true
}

// SetOnline records an explicit online/offline signal. Silence never
// flips a device offline; only this call or an update carrying Online does.
func (r *Reconciler) SetOnline(deviceID string, online bool) {
	rec := r.recordFor(deviceID)
	rec.mu.Lock()

	st := &rec.state
	if st.Online == online {
		rec.mu.Unlock()
		return
	}
	st.Online = online
	st.UpdatedAt = r.now()

	r.publish(rec, Change{
		Shadow: st.clone(),
		Reason: ReasonOnline,
	})
}

// Get returns a copy of one device record.
func (r *Reconciler) Get(deviceID string) (Shadow, error) {
	rec, ok := r.lookup(deviceID)
	if !ok {
		return Shadow{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.clone(), nil
}

// List returns copies of all records, ordered by device id.
func (r *Reconciler) List() []Shadow {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]Shadow, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.state.clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// publish queues change and, unless another goroutine is already
// delivering for this record, drains the queue to listeners.
// Must be called with rec.mu held; returns with it released.
func (r *Reconciler) publish(rec *record, change Change) {
	rec.queue = append(rec.queue, change)
	if rec.delivering {
		rec.mu.Unlock()
		return
	}
	rec.delivering = true

	for len(rec.queue) > 0 {
		next := rec.queue[0]
		rec.queue = rec.queue[1:]
		rec.mu.Unlock()

		r.notify(next)

		rec.mu.Lock()
	}
	rec.delivering = false
	rec.mu.Unlock()
}

func (r *Reconciler) notify(change Change) {
	r.listenerMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		r.safeCall(l, change)
	}
}

func (r *Reconciler) safeCall(l Listener, change Change) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("shadow listener panic recovered",
				"device_id", change.Shadow.DeviceID,
				"reason", string(change.Reason),
				"panic", p,
			)
		}
	}()
	l(change)
}
