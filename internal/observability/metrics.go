package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/codrawer/internal/generation"
	"github.com/haasonsaas/codrawer/internal/ratelimit"
)

// Metrics collects router, scheduler, gate and generation metrics on its own
// registry.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	mux.Handle("/metrics", metrics.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// FramesTotal counts inbound frames.
	// Labels: type, result (ok|rejected)
	FramesTotal *prometheus.CounterVec

	// ActiveSessions is the number of live sessions.
	ActiveSessions prometheus.Gauge

	// ActiveConnections is the number of open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// ConnectionsDropped counts connections closed by the server.
	// Labels: reason (slow|malformed|rate)
	ConnectionsDropped *prometheus.CounterVec

	// SchedulerTransitions counts scheduler state changes.
	// Labels: from, to
	SchedulerTransitions *prometheus.CounterVec

	// TriggersCoalesced counts triggers replaced before they were served.
	TriggersCoalesced prometheus.Counter

	// CycleDuration measures admitted generation cycles, emission included.
	// Labels: status (success|error)
	CycleDuration *prometheus.HistogramVec

	// GateWait measures how long a request waited for its grant.
	GateWait prometheus.Histogram

	// GateWaiting is the number of sessions queued at the gate.
	GateWaiting prometheus.Gauge

	// GateCoalesced counts queued gate requests replaced by newer ones.
	GateCoalesced prometheus.Counter

	// GenerationDuration measures backend calls.
	// Labels: backend, status (success|timeout|error)
	GenerationDuration *prometheus.HistogramVec

	// GenerationPoints counts ghost points produced.
	// Labels: backend
	GenerationPoints *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codrawer_frames_total",
				Help: "Inbound frames by type and result",
			},
			[]string{"type", "result"},
		),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "codrawer_active_sessions",
			Help: "Number of live sessions",
		}),

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "codrawer_active_connections",
			Help: "Number of open WebSocket connections",
		}),

		ConnectionsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codrawer_connections_dropped_total",
				Help: "Connections closed by the server by reason",
			},
			[]string{"reason"},
		),

		SchedulerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codrawer_scheduler_transitions_total",
				Help: "Trigger scheduler state transitions",
			},
			[]string{"from", "to"},
		),

		TriggersCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "codrawer_triggers_coalesced_total",
			Help: "Triggers replaced by a newer trigger before being served",
		}),

		CycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codrawer_cycle_duration_seconds",
				Help:    "Duration of admitted generation cycles",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"status"},
		),

		GateWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "codrawer_gate_wait_seconds",
			Help:    "Time a generation request waited for admission",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		GateWaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "codrawer_gate_waiting",
			Help: "Sessions waiting at the rate gate",
		}),

		GateCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "codrawer_gate_coalesced_total",
			Help: "Queued gate requests replaced by a newer request",
		}),

		GenerationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codrawer_generation_duration_seconds",
				Help:    "Duration of generation backend calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"backend", "status"},
		),

		GenerationPoints: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codrawer_generation_points_total",
				Help: "Ghost points produced by backend",
			},
			[]string{"backend"},
		),
	}
}

// Registry exposes the underlying registry.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFrame records one inbound frame.
func (m *Metrics) ObserveFrame(frameType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	if frameType == "" {
		frameType = "unknown"
	}
	m.FramesTotal.WithLabelValues(frameType, result).Inc()
}

// ObserveSessions records the live session count.
func (m *Metrics) ObserveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ConnectionOpened records a new connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// ConnectionDropped records a server-side close.
func (m *Metrics) ConnectionDropped(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsDropped.WithLabelValues(reason).Inc()
}

// ObserveTransition records a scheduler state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SchedulerTransitions.WithLabelValues(from, to).Inc()
}

// ObserveCoalesced records a replaced trigger.
func (m *Metrics) ObserveCoalesced() {
	if m == nil {
		return
	}
	m.TriggersCoalesced.Inc()
}

// ObserveCycle records a finished generation cycle.
func (m *Metrics) ObserveCycle(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(status(err)).Observe(elapsed.Seconds())
}

// ObserveGeneration records one backend call.
func (m *Metrics) ObserveGeneration(backend string, elapsed time.Duration, points int, err error) {
	if m == nil {
		return
	}
	s := status(err)
	if errors.Is(err, generation.ErrTimeout) {
		s = "timeout"
	}
	m.GenerationDuration.WithLabelValues(backend, s).Observe(elapsed.Seconds())
	if points > 0 {
		m.GenerationPoints.WithLabelValues(backend).Add(float64(points))
	}
}

// Gate returns the observer for the rate gate. Gate coalescing is counted
// apart from trigger coalescing.
func (m *Metrics) Gate() ratelimit.GateObserver {
	return gateMetrics{m}
}

type gateMetrics struct {
	m *Metrics
}

func (g gateMetrics) ObserveGrant(wait time.Duration) {
	if g.m == nil {
		return
	}
	g.m.GateWait.Observe(wait.Seconds())
}

func (g gateMetrics) ObserveWaiting(n int) {
	if g.m == nil {
		return
	}
	g.m.GateWaiting.Set(float64(n))
}

func (g gateMetrics) ObserveCoalesced() {
	if g.m == nil {
		return
	}
	g.m.GateCoalesced.Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
