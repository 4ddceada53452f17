package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "feedsync"

	subsystemStream    = "stream"
	subsystemEvents    = "events"
	subsystemMutations = "mutations"

	labelStream    = "stream"
	labelState     = "state"
	labelChannel   = "channel"
	labelReason    = "reason"
	labelKind      = "kind"
	labelOutcome   = "outcome"
	labelEventKind = "event_kind"

	// OutcomeConfirmed labels mutations the server accepted.
	OutcomeConfirmed = "confirmed"
	// OutcomeRolledBack labels mutations undone after a failed call.
	OutcomeRolledBack = "rolled_back"
)

// Metrics groups the collectors exported by the sync core. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	connectionState    *prometheus.GaugeVec
	transitions        *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	staleStreams       *prometheus.GaugeVec
	discardedFrames    *prometheus.CounterVec
	appliedEvents      *prometheus.CounterVec
	echoesSuppressed   *prometheus.CounterVec
	settledMutations   *prometheus.CounterVec
	pendingMutations   prometheus.Gauge
	pendingNewItems    prometheus.Gauge
	unreadNotification prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemStream,
			Name:      "connection_state",
			Help:      "1 for the current connection state of each stream, 0 otherwise",
		}, []string{labelStream, labelState}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStream,
			Name:      "transitions_total",
			Help:      "Connection state transitions per stream and target state",
		}, []string{labelStream, labelState}),
		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStream,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnection attempts per stream",
		}, []string{labelStream}),
		staleStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemStream,
			Name:      "stale",
			Help:      "1 while a stream has exceeded its consecutive failure ceiling",
		}, []string{labelStream}),
		discardedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEvents,
			Name:      "discarded_frames_total",
			Help:      "Frames discarded by the normalizer",
		}, []string{labelChannel, labelReason}),
		appliedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEvents,
			Name:      "applied_total",
			Help:      "Remote events applied to the state store",
		}, []string{labelEventKind}),
		echoesSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEvents,
			Name:      "echoes_suppressed_total",
			Help:      "Remote events recognized as echoes of local mutations",
		}, []string{labelEventKind}),
		settledMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMutations,
			Name:      "settled_total",
			Help:      "Optimistic mutations settled per kind and outcome",
		}, []string{labelKind, labelOutcome}),
		pendingMutations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemMutations,
			Name:      "pending",
			Help:      "Optimistic mutations awaiting a server response",
		}),
		pendingNewItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemEvents,
			Name:      "pending_new_items",
			Help:      "New feed items waiting behind the loaded list",
		}),
		unreadNotification: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemEvents,
			Name:      "unread_notifications",
			Help:      "Unread notifications in the state store",
		}),
	}
}

// Registry exposes the underlying registry for scraping and tests.
func (metrics *Metrics) Registry() *prometheus.Registry {
	if metrics == nil {
		return nil
	}
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	if metrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// ObserveTransition records that a stream entered a state; states lists every possible state
// so the previous one can be reset to zero.
func (metrics *Metrics) ObserveTransition(stream string, state string, states []string) {
	if metrics == nil {
		return
	}
	for _, candidate := range states {
		value := 0.0
		if candidate == state {
			value = 1
		}
		metrics.connectionState.WithLabelValues(stream, candidate).Set(value)
	}
	metrics.transitions.WithLabelValues(stream, state).Inc()
}

// RecordReconnect counts one scheduled reconnection attempt.
func (metrics *Metrics) RecordReconnect(stream string) {
	if metrics == nil {
		return
	}
	metrics.reconnectAttempts.WithLabelValues(stream).Inc()
}

// SetStale flags or clears a stream's stale state.
func (metrics *Metrics) SetStale(stream string, stale bool) {
	if metrics == nil {
		return
	}
	value := 0.0
	if stale {
		value = 1
	}
	metrics.staleStreams.WithLabelValues(stream).Set(value)
}

// RecordDiscard counts one discarded frame.
func (metrics *Metrics) RecordDiscard(channel string, reason string) {
	if metrics == nil {
		return
	}
	metrics.discardedFrames.WithLabelValues(channel, reason).Inc()
}

// RecordApplied counts one remote event applied to the store.
func (metrics *Metrics) RecordApplied(eventKind string) {
	if metrics == nil {
		return
	}
	metrics.appliedEvents.WithLabelValues(eventKind).Inc()
}

// RecordEcho counts one remote event suppressed as an echo.
func (metrics *Metrics) RecordEcho(eventKind string) {
	if metrics == nil {
		return
	}
	metrics.echoesSuppressed.WithLabelValues(eventKind).Inc()
}

// RecordSettlement counts one settled optimistic mutation.
func (metrics *Metrics) RecordSettlement(kind string, outcome string) {
	if metrics == nil {
		return
	}
	metrics.settledMutations.WithLabelValues(kind, outcome).Inc()
}

// SetPendingMutations reports the number of unsettled optimistic mutations.
func (metrics *Metrics) SetPendingMutations(count int) {
	if metrics == nil {
		return
	}
	metrics.pendingMutations.Set(float64(count))
}

// SetStoreGauges reports the store's derived counters.
func (metrics *Metrics) SetStoreGauges(pendingNewItems int, unreadNotifications int) {
	if metrics == nil {
		return
	}
	metrics.pendingNewItems.Set(float64(pendingNewItems))
	metrics.unreadNotification.Set(float64(unreadNotifications))
}
