package wipi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation of the control plane. A nil
// *Metrics is valid and records nothing, so instrumented code never has to
// check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	dispatcherTasks    *prometheus.CounterVec
	deferredExecutions *prometheus.CounterVec
	schedulerPending   prometheus.Gauge
	streamChunks       *prometheus.CounterVec
}

// NewMetrics creates the control plane's metric set on a fresh registry,
// including the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wipi",
			Name:      "http_requests_total",
			Help:      "API requests by route, method and status code.",
		}, []string{"route", "method", "code"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wipi",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		dispatcherTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wipi",
			Name:      "controller_tasks_total",
			Help:      "Tasks submitted to controller workers, by controller and kind.",
		}, []string{"controller", "kind"}),

		deferredExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wipi",
			Name:      "deferred_executions_total",
			Help:      "Deferred actions executed, by controller.",
		}, []string{"controller"}),

		schedulerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wipi",
			Name:      "scheduler_pending_tasks",
			Help:      "Tasks currently held by the deferred-action scheduler.",
		}),

		streamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wipi",
			Name:      "stream_chunks_total",
			Help:      "Downstream data chunks delivered, by controller.",
		}, []string{"controller"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.dispatcherTasks,
		m.deferredExecutions,
		m.schedulerPending,
		m.streamChunks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) observeRequest(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) taskSubmitted(controller, kind string) {
	if m == nil {
		return
	}
	m.dispatcherTasks.WithLabelValues(controller, kind).Inc()
}

func (m *Metrics) deferredExecuted(controller string) {
	if m == nil {
		return
	}
	m.deferredExecutions.WithLabelValues(controller).Inc()
}

func (m *Metrics) schedulerDepth(pending int) {
	if m == nil {
		return
	}
	m.schedulerPending.Set(float64(pending))
}

func (m *Metrics) streamChunk(controller string) {
	if m == nil {
		return
	}
	m.streamChunks.WithLabelValues(controller).Inc()
}
