// Package metrics holds the worker's Prometheus surface, adapted from the
// teacher's metrics.go: manually constructed CounterVec/HistogramVec/
// GaugeVec instances, registered once in a constructor, retrieved through
// typed Record*/Update* methods rather than ad-hoc prometheus calls
// scattered through the codebase.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the worker exposes.
type Metrics struct {
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec

	itemsEmitted *prometheus.CounterVec

	backoffLevel *prometheus.GaugeVec
	refreshMS    *prometheus.GaugeVec

	commandsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	publishQueueDepth      *prometheus.GaugeVec
	publishQueueCapacity   *prometheus.GaugeVec
	publishProcessingTime  *prometheus.HistogramVec
	publishQueueWaitTime   *prometheus.HistogramVec
	publishTotalProcessed  *prometheus.CounterVec

	dbConnections *prometheus.GaugeVec

	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	activeFeeds prometheus.Gauge
}

// New creates and registers every collector against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers every collector against reg,
// letting tests use a fresh prometheus.NewRegistry() instead of colliding
// on the global default registry across test functions.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "feed_fetch_total", Help: "Total number of feed fetch attempts"},
			[]string{"feed_url", "status"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "feed_fetch_duration_seconds", Help: "Time spent fetching and parsing a feed", Buckets: prometheus.DefBuckets},
			[]string{"feed_url", "status"},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "feed_fetch_errors_total", Help: "Total number of feed fetch errors"},
			[]string{"feed_url", "error_type"},
		),
		itemsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "feed_items_emitted_total", Help: "Total number of new-item events emitted"},
			[]string{"feed_url"},
		),
		backoffLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "feed_backoff_consecutive_failures", Help: "Current consecutive failure count per feed"},
			[]string{"feed_url"},
		),
		refreshMS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "feed_refresh_interval_ms", Help: "Currently applied refresh interval per feed, in milliseconds"},
			[]string{"feed_url"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "control_plane_commands_total", Help: "Total number of inbound commands processed"},
			[]string{"cmd", "status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "core_errors_total", Help: "Total number of core error events emitted"},
			[]string{"type"},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "Current state of circuit breakers (1 on the series whose state label is the current state, 0 on the others)"},
			[]string{"name", "state"},
		),
		circuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "circuit_breaker_trips_total", Help: "Total number of circuit breaker trips"},
			[]string{"name"},
		),
		publishQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "publish_queue_depth", Help: "Current number of outbound messages queued for publish"},
			[]string{},
		),
		publishQueueCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "publish_queue_capacity", Help: "Maximum capacity of the publish queue"},
			[]string{},
		),
		publishProcessingTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "publish_processing_duration_seconds", Help: "Time spent publishing a message end-to-end, including retries", Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}},
			[]string{"status"},
		),
		publishQueueWaitTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "publish_queue_wait_duration_seconds", Help: "Time messages spend waiting in the publish queue", Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30}},
			[]string{},
		),
		publishTotalProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "publish_requests_processed_total", Help: "Total number of publish requests processed"},
			[]string{"status"},
		),
		dbConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "database_connections", Help: "Current number of database connections"},
			[]string{"state"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Time spent processing admin HTTP requests", Buckets: prometheus.DefBuckets},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of admin HTTP requests"},
			[]string{"method", "endpoint", "status_code"},
		),
		activeFeeds: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "active_feeds", Help: "Current number of feeds under active polling"},
		),
	}

	reg.MustRegister(
		m.fetchTotal, m.fetchDuration, m.fetchErrors,
		m.itemsEmitted, m.backoffLevel, m.refreshMS,
		m.commandsTotal, m.errorsTotal,
		m.circuitBreakerState, m.circuitBreakerTrips,
		m.publishQueueDepth, m.publishQueueCapacity, m.publishProcessingTime, m.publishQueueWaitTime, m.publishTotalProcessed,
		m.dbConnections,
		m.httpRequestDuration, m.httpRequestsTotal,
		m.activeFeeds,
	)

	return m
}

func (m *Metrics) RecordFetch(feedURL, status string, d time.Duration) {
	m.fetchTotal.WithLabelValues(feedURL, status).Inc()
	m.fetchDuration.WithLabelValues(feedURL, status).Observe(d.Seconds())
}

func (m *Metrics) RecordFetchError(feedURL, errType string) {
	m.fetchErrors.WithLabelValues(feedURL, errType).Inc()
}

func (m *Metrics) RecordItemsEmitted(feedURL string, count int) {
	m.itemsEmitted.WithLabelValues(feedURL).Add(float64(count))
}

func (m *Metrics) SetBackoffLevel(feedURL string, failures int) {
	m.backoffLevel.WithLabelValues(feedURL).Set(float64(failures))
}

func (m *Metrics) ClearBackoffLevel(feedURL string) {
	m.backoffLevel.DeleteLabelValues(feedURL)
}

func (m *Metrics) SetRefreshMS(feedURL string, ms int64) {
	m.refreshMS.WithLabelValues(feedURL).Set(float64(ms))
}

func (m *Metrics) ClearRefreshMS(feedURL string) {
	m.refreshMS.DeleteLabelValues(feedURL)
}

func (m *Metrics) RecordCommand(cmd, status string) {
	m.commandsTotal.WithLabelValues(cmd, status).Inc()
}

func (m *Metrics) RecordError(errType string) {
	m.errorsTotal.WithLabelValues(errType).Inc()
}

func (m *Metrics) SetActiveFeeds(n int) {
	m.activeFeeds.Set(float64(n))
}

func (m *Metrics) UpdateCircuitBreakerState(name, state string) {
	m.circuitBreakerState.WithLabelValues(name, "closed").Set(0)
	m.circuitBreakerState.WithLabelValues(name, "half_open").Set(0)
	m.circuitBreakerState.WithLabelValues(name, "open").Set(0)
	m.circuitBreakerState.WithLabelValues(name, state).Set(1)
}

func (m *Metrics) RecordCircuitBreakerTrip(name string) {
	m.circuitBreakerTrips.WithLabelValues(name).Inc()
}

func (m *Metrics) UpdatePublishQueueDepth(depth int) {
	m.publishQueueDepth.WithLabelValues().Set(float64(depth))
}

func (m *Metrics) UpdatePublishQueueCapacity(capacity int) {
	m.publishQueueCapacity.WithLabelValues().Set(float64(capacity))
}

func (m *Metrics) RecordPublishProcessing(status string, d time.Duration) {
	m.publishProcessingTime.WithLabelValues(status).Observe(d.Seconds())
	m.publishTotalProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPublishQueueWait(d time.Duration) {
	m.publishQueueWaitTime.WithLabelValues().Observe(d.Seconds())
}

func (m *Metrics) UpdateDBConnections(open, inUse, idle int) {
	m.dbConnections.WithLabelValues("open").Set(float64(open))
	m.dbConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.dbConnections.WithLabelValues("idle").Set(float64(idle))
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, statusCode).Observe(d.Seconds())
}

// Middleware wraps an http.HandlerFunc with request metrics, in the style
// of the teacher's HTTPMetricsMiddleware.
func (m *Metrics) Middleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)
		m.RecordHTTPRequest(r.Method, endpoint, http.StatusText(rw.statusCode), time.Since(start))
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
