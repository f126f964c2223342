// Package metrics exposes the server's own operational counters on
// /metrics in Prometheus format. These are about the server process, not
// tenant data; tenant-facing numbers come from the query engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested *prometheus.CounterVec
	EventsRejected *prometheus.CounterVec
	AlertsFired    *prometheus.CounterVec
	WSConnections  prometheus.GaugeFunc
	HTTPDuration   *prometheus.HistogramVec
}

// New builds the collector set. wsCount reports live WebSocket connections.
func New(wsCount func() int) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hiveboard_events_ingested_total",
		Help: "Events accepted by the ingest pipeline.",
	}, []string{"tenant"})
	m.EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hiveboard_events_rejected_total",
		Help: "Events rejected by per-event validation.",
	}, []string{"tenant"})
	m.AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hiveboard_alerts_fired_total",
		Help: "Alert rule firings recorded in history.",
	}, []string{"tenant"})
	m.WSConnections = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hiveboard_ws_connections",
		Help: "Live WebSocket subscriber connections.",
	}, func() float64 { return float64(wsCount()) })
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hiveboard_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "pattern", "status"})

	m.registry.MustRegister(
		m.EventsIngested,
		m.EventsRejected,
		m.AlertsFired,
		m.WSConnections,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for the latency histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler with the request duration histogram.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		m.HTTPDuration.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
