// Package metrics owns the Prometheus collectors of the presence service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	staleViews   prometheus.Counter
	storeErrors  *prometheus.CounterVec
	mutations    *prometheus.CounterVec
	heartbeats   *prometheus.CounterVec
	autoSleeps   prometheus.Counter
}

// New creates the collectors and registers them, plus any extra collectors
// (for example the log counter), on a fresh registry.
func New(extra ...prometheus.Collector) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "presence_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		staleViews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_stale_views_total",
			Help: "Reads that downgraded a stale record to offline.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_store_errors_total",
			Help: "State store failures by operation.",
		}, []string{"op"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_mutations_total",
			Help: "Accepted status mutations by resulting status.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Accepted heartbeats by source tag.",
		}, []string{"source"}),
		autoSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_autosleep_total",
			Help: "Times the auto-sleep producer switched the status to sleeping.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.staleViews,
		m.storeErrors,
		m.mutations,
		m.heartbeats,
		m.autoSleeps,
	)
	for _, c := range extra {
		m.registry.MustRegister(c)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) StaleView() {
	if m == nil {
		return
	}
	m.staleViews.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Mutation(status string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(status).Inc()
}

func (m *Metrics) Heartbeat(source string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(source).Inc()
}

func (m *Metrics) AutoSleep() {
	if m == nil {
		return
	}
	m.autoSleeps.Inc()
}
