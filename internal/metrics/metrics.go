// Package metrics holds the Prometheus collectors for the bot. Every method is
// safe to call on a nil *Metrics, which records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "icebeat"

type Metrics struct {
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	GuardDenials       *prometheus.CounterVec
	ReactorEvents      *prometheus.CounterVec
	NodeRequests       *prometheus.CounterVec
}

// New creates and registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_cache",
			Name:      "hits_total",
			Help:      "Config cache hits, by entry kind.",
		}, []string{"kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_cache",
			Name:      "misses_total",
			Help:      "Config cache misses, by entry kind.",
		}, []string{"kind"}),
		CacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config_cache",
			Name:      "invalidations_total",
			Help:      "Config cache invalidations, by entry kind.",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "active_sessions",
			Help:      "Playback sessions currently held.",
		}),
		GuardDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "denials_total",
			Help:      "Commands rejected by the guard chain, by reason.",
		}, []string{"reason"}),
		ReactorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "events_total",
			Help:      "Push events handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		NodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Media node REST requests, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.CacheInvalidations,
		m.ActiveSessions,
		m.GuardDenials,
		m.ReactorEvents,
		m.NodeRequests,
	)
	return m
}

func (m *Metrics) CacheHit(kind string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheMiss(kind string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheInvalidated(kind string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) GuardDenied(reason string) {
	if m == nil {
		return
	}
	m.GuardDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReactorEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.ReactorEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) NodeRequest(op, outcome string) {
	if m == nil {
		return
	}
	m.NodeRequests.WithLabelValues(op, outcome).Inc()
}
