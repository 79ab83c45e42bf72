// Package metrics exposes sync-core counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	registry *prometheus.Registry

	mutations      *prometheus.CounterVec
	settleDuration *prometheus.HistogramVec
	pending        prometheus.Gauge
	staleWrites    *prometheus.CounterVec
	channelEvents  *prometheus.CounterVec
	reconnects     prometheus.Counter
}

// Outcome labels for the mutations counter.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeSuperseded = "superseded"
	OutcomeRemoved    = "removed"
	OutcomeDiscarded  = "discarded"
)

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_mutations_total",
			Help: "Settled optimistic mutations by kind and outcome",
		}, []string{"kind", "outcome"}),
		settleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasksync_mutation_settle_seconds",
			Help:    "Time from optimistic write to settle",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
		}, []string{"kind"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tasksync_pending_mutations",
			Help: "Entities with an unconfirmed optimistic write",
		}),
		staleWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_stale_writes_total",
			Help: "Writes rejected by the revision gate, by source",
		}, []string{"source"}),
		channelEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksync_channel_events_total",
			Help: "Push channel events by type and result",
		}, []string{"type", "result"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "tasksync_channel_reconnects_total",
			Help: "Push channel reconnect attempts",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MutationSettled counts one settled mutation and its latency.
func (m *Metrics) MutationSettled(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
	m.settleDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SetPending records the number of entities awaiting confirmation.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// StaleWrite counts a write dropped by the revision gate.
func (m *Metrics) StaleWrite(source string) {
	if m == nil {
		return
	}
	m.staleWrites.WithLabelValues(source).Inc()
}

// ChannelEvent counts a push event and what became of it.
func (m *Metrics) ChannelEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.channelEvents.WithLabelValues(eventType, result).Inc()
}

// Reconnect counts a push channel reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
