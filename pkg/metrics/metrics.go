package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graph_gateway"

// PoolStats is the pool snapshot exported as gauges.
type PoolStats struct {
	Open      int
	InUse     int
	Idle      int
	Waiting   int
	Exhausted uint64
}

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rowsReturned    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Operations served, by operation type and outcome.",
		}, []string{"operation", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to response, by operation type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rowsReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rows_returned",
			Help:      "Rows returned by store queries.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.rowsReturned,
	)
	return m
}

// ObserveRequest records one served operation.
func (m *Metrics) ObserveRequest(operation, outcome string, d time.Duration) {
	m.requestsTotal.WithLabelValues(operation, outcome).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) ObserveRows(n int) {
	m.rowsReturned.Observe(float64(n))
}

// RegisterPool exports the session pool as gauges read at scrape time.
func (m *Metrics) RegisterPool(stats func() PoolStats) {
	gauge := func(name, help string, value func(PoolStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats()) })
	}

	m.registry.MustRegister(
		gauge("open_sessions", "Open store sessions.", func(s PoolStats) float64 { return float64(s.Open) }),
		gauge("in_use_sessions", "Store sessions checked out to requests.", func(s PoolStats) float64 { return float64(s.InUse) }),
		gauge("idle_sessions", "Store sessions idle in the pool.", func(s PoolStats) float64 { return float64(s.Idle) }),
		gauge("waiting_requests", "Requests waiting for a session.", func(s PoolStats) float64 { return float64(s.Waiting) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Acquisitions that failed because the pool was full.",
		}, func() float64 { return float64(stats().Exhausted) }),
	)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
