// ABOUTME: Prometheus collectors for legs, audio relay, agent turns, and hubs
// ABOUTME: Every recording method is nil-safe so components can run unmetered

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_voice"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Leg metrics
	ActiveLegs   prometheus.Gauge
	LegsAdmitted prometheus.Counter
	LegsDropped  prometheus.Counter

	// Audio relay metrics
	FramesUpstream  prometheus.Counter
	FramesDropped   prometheus.Counter
	FramesFannedOut prometheus.Counter
	ListenerPanics  prometheus.Counter

	// Session and turn metrics
	Handshakes      *prometheus.CounterVec
	Turns           *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveLegs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_legs",
			Help:      "Number of client legs currently attached",
		}),
		LegsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legs_admitted_total",
			Help:      "Total client legs admitted",
		}),
		LegsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legs_dropped_total",
			Help:      "Total client legs dropped",
		}),

		FramesUpstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_upstream_total",
			Help:      "Audio frames forwarded to the upstream session",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped because no session was open",
		}),
		FramesFannedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_fanned_out_total",
			Help:      "Audio frame deliveries to leg listeners",
		}),
		ListenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Audio listener callbacks that panicked",
		}),

		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_handshakes_total",
			Help:      "Upstream session handshakes by result",
		}, []string{"result"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Agent turns by agent and final status",
		}, []string{"agent", "status"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published per hub",
		}, []string{"hub"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) LegAdmitted() {
	if m == nil {
		return
	}
	m.LegsAdmitted.Inc()
	m.ActiveLegs.Inc()
}

func (m *Metrics) LegDropped() {
	if m == nil {
		return
	}
	m.LegsDropped.Inc()
	m.ActiveLegs.Dec()
}

func (m *Metrics) FrameUpstream() {
	if m == nil {
		return
	}
	m.FramesUpstream.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) FrameFannedOut(n int) {
	if m == nil {
		return
	}
	m.FramesFannedOut.Add(float64(n))
}

func (m *Metrics) ListenerPanic() {
	if m == nil {
		return
	}
	m.ListenerPanics.Inc()
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) Turn(agent, status string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(agent, status).Inc()
}

func (m *Metrics) EventPublished(hub string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(hub).Inc()
}
