// Package metrics exposes the bridge's Prometheus collectors.
//
// A single Metrics value implements the observer interfaces of the
// reconciler, poller, subscriber and command dispatcher, and mirrors the
// current shadow of every device as gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

const namespace = "deerma"

// Metrics holds the registry and every collector.
type Metrics struct {
	registry *prometheus.Registry

	applies         *prometheus.CounterVec
	polls           *prometheus.CounterVec
	pollDuration    *prometheus.HistogramVec
	connected       *prometheus.GaugeVec
	deltas          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	fieldValue      *prometheus.GaugeVec
	fieldStale      *prometheus.GaugeVec
	online          *prometheus.GaugeVec
	shadowVersion   *prometheus.GaugeVec
	sessionExpiry   prometheus.Gauge
	sessionRenewals prometheus.Counter
	lastUpdate      *prometheus.GaugeVec
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shadow_updates_total",
			Help:      "Shadow updates offered to the reconciler, by kind and outcome",
		}, []string{"device", "kind", "outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "REST shadow polls, by result (ok or error)",
		}, []string{"device", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "REST shadow poll latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"device"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "Vendor MQTT connection state (1=connected, 0=disconnected)",
		}, []string{"device"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_deltas_total",
			Help:      "Shadow deltas received over MQTT, by reconciler outcome",
		}, []string{"device", "outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_dropped_total",
			Help:      "MQTT messages dropped because the hand-off queue was full",
		}, []string{"device"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Resolved commands, by field and terminal state",
		}, []string{"device", "field", "state"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_confirm_seconds",
			Help:      "Time from command issue to confirming report",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 7.5, 10},
		}, []string{"field"}),
		fieldValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "field_value",
			Help:      "Last known reported value of a shadow field",
		}, []string{"device", "field"}),
		fieldStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "field_stale",
			Help:      "1 while the field value is retained from an earlier update",
		}, []string{"device", "field"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_online",
			Help:      "Device online state (1=online)",
		}, []string{"device"}),
		shadowVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shadow_version",
			Help:      "Last accepted backend shadow version",
		}, []string{"device"}),
		lastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shadow_last_update_timestamp_seconds",
			Help:      "Last accepted shadow update (epoch seconds)",
		}, []string{"device"}),
		sessionExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_expiry_timestamp_seconds",
			Help:      "Access token expiry (epoch seconds)",
		}),
		sessionRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_renewals_total",
			Help:      "Sessions established by login or refresh",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.applies,
		m.polls,
		m.pollDuration,
		m.connected,
		m.deltas,
		m.dropped,
		m.commands,
		m.commandLatency,
		m.fieldValue,
		m.fieldStale,
		m.online,
		m.shadowVersion,
		m.lastUpdate,
		m.sessionExpiry,
		m.sessionRenewals,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveApply implements shadow.Observer.
func (m *Metrics) ObserveApply(deviceID string, kind shadow.UpdateKind, outcome shadow.Outcome) {
	m.applies.WithLabelValues(deviceID, kind.String(), outcome.String()).Inc()
}

// ObservePoll implements poller.Observer.
func (m *Metrics) ObservePoll(deviceID string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.polls.WithLabelValues(deviceID, result).Inc()
	m.pollDuration.WithLabelValues(deviceID).Observe(elapsed.Seconds())
}

// ObserveConnection implements subscriber.Observer.
func (m *Metrics) ObserveConnection(deviceID string, connected bool) {
	m.connected.WithLabelValues(deviceID).Set(boolGauge(connected))
}

// ObserveDelta implements subscriber.Observer.
func (m *Metrics) ObserveDelta(deviceID string, outcome shadow.Outcome) {
	m.deltas.WithLabelValues(deviceID, outcome.String()).Inc()
}

// ObserveDropped implements subscriber.Observer.
func (m *Metrics) ObserveDropped(deviceID string) {
	m.dropped.WithLabelValues(deviceID).Inc()
}

// ObserveCommand implements command.Observer.
func (m *Metrics) ObserveCommand(deviceID string, field shadow.Field, state command.State, latency time.Duration) {
	m.commands.WithLabelValues(deviceID, string(field), string(state)).Inc()
	if state == command.StateConfirmed {
		m.commandLatency.WithLabelValues(string(field)).Observe(latency.Seconds())
	}
}

// ObserveSession records a newly established session. Register it with
// the session manager's OnChange.
func (m *Metrics) ObserveSession(s session.Session) {
	m.sessionRenewals.Inc()
	m.sessionExpiry.Set(float64(s.ExpiresAt.Unix()))
}

// Listen mirrors a shadow change into the field gauges. Register it with
// the reconciler's Subscribe.
func (m *Metrics) Listen(change shadow.Change) {
	s := change.Shadow
	m.online.WithLabelValues(s.DeviceID).Set(boolGauge(s.Online))
	if change.Reason != shadow.ReasonApply {
		return
	}

	m.shadowVersion.WithLabelValues(s.DeviceID).Set(float64(s.Version))
	m.lastUpdate.WithLabelValues(s.DeviceID).Set(float64(s.UpdatedAt.Unix()))
	for _, f := range shadow.ReportedFields {
		v := s.Reported[f]
		if !v.Known() {
			continue
		}
		m.fieldValue.WithLabelValues(s.DeviceID, string(f)).Set(v.Value)
		m.fieldStale.WithLabelValues(s.DeviceID, string(f)).Set(boolGauge(v.Status == shadow.FieldStale))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
