// Package metrics exports keepr runtime counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keepr"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fallbacks       *prometheus.CounterVec
	callLatency     *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	queries         *prometheus.CounterVec
	sessions        prometheus.Gauge
	sessionsExpired prometheus.Counter
	answers         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Number of times a collaborator failed and a local fallback was used",
		},
		[]string{"component"},
	)

	m.callLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_latency_seconds",
			Help:      "Latency of outbound calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"component", "status"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "cache_lookups_total",
			Help:      "Embedding cache lookups by result",
		},
		[]string{"result"},
	)

	m.queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "queries_total",
			Help:      "Vector queries by serving backend",
		},
		[]string{"backend"},
	)

	m.sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "sessions",
			Help:      "Number of live conversation sessions",
		},
	)

	m.sessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "sessions_expired_total",
			Help:      "Number of sessions removed by the expiry sweep",
		},
	)

	m.answers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "answers_total",
			Help:      "Answers by outcome and confidence",
		},
		[]string{"outcome", "confidence"},
	)

	m.registry.MustRegister(
		m.fallbacks,
		m.callLatency,
		m.cacheLookups,
		m.queries,
		m.sessions,
		m.sessionsExpired,
		m.answers,
	)

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Fallback(component string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(component).Inc()
}

// ObserveCall records the latency of an outbound call started at start
func (m *Metrics) ObserveCall(component string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.callLatency.WithLabelValues(component, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Query(backend string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(backend).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}

func (m *Metrics) Answer(outcome, confidence string) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(outcome, confidence).Inc()
}
