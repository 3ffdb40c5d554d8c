package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus metrics the server exposes at /metrics.
//
// Tracked concerns:
//   - task lifecycle (starts, terminal statuses, duration) by execution mode
//   - per-step execution counts and latency by action
//   - browser session pool occupancy
//   - screenshot pipeline outcomes by capture strategy
//   - description cache effectiveness
//   - event bus throughput and drops
//   - HTTP and database latency
type Metrics struct {
	// TaskCounter counts terminal tasks.
	// Labels: mode (ONE_SHOT|MULTI_STEP|AUTO), status (COMPLETED|FAILED|CANCELLED|TIMED_OUT)
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures queued-to-terminal time in seconds.
	// Labels: mode
	TaskDuration *prometheus.HistogramVec

	// TasksActive gauges tasks currently in RUNNING.
	TasksActive prometheus.Gauge

	// StepCounter counts executed steps.
	// Labels: action, status (success|error)
	StepCounter *prometheus.CounterVec

	// StepDuration measures single step latency in seconds.
	// Labels: action
	StepDuration *prometheus.HistogramVec

	// BrowserSessionsActive gauges leased browser sessions.
	BrowserSessionsActive prometheus.Gauge

	// ScreenshotCounter counts screenshot captures.
	// Labels: strategy (full_page|viewport|minimal|extended_wait|error_blob), status (ok|invalid|error)
	ScreenshotCounter *prometheus.CounterVec

	// CacheLookups counts description cache lookups.
	// Labels: result (hit|miss|degraded)
	CacheLookups *prometheus.CounterVec

	// EventsPublished counts bus events by type.
	EventsPublished *prometheus.CounterVec

	// EventsDropped counts events discarded from saturated subscriber buffers.
	EventsDropped prometheus.Counter

	// HTTPRequestDuration measures HTTP latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts AI provider calls.
	// Labels: provider, operation (describe|decompose), status (success|error)
	ProviderRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. Passing nil uses the
// default registry; call it once per process in that case.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_tasks_total",
				Help: "Terminal tasks by execution mode and final status",
			},
			[]string{"mode", "status"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayfarer_task_duration_seconds",
				Help:    "Time from task creation to terminal status",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),

		TasksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wayfarer_tasks_active",
				Help: "Tasks currently running",
			},
		),

		StepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_steps_total",
				Help: "Executed browser steps by action and status",
			},
			[]string{"action", "status"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayfarer_step_duration_seconds",
				Help:    "Single step execution latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"action"},
		),

		BrowserSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wayfarer_browser_sessions_active",
				Help: "Browser sessions currently leased from the pool",
			},
		),

		ScreenshotCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_screenshots_total",
				Help: "Screenshot captures by strategy and validation status",
			},
			[]string{"strategy", "status"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_description_cache_lookups_total",
				Help: "Tool description cache lookups by result",
			},
			[]string{"result"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_events_published_total",
				Help: "Task events published to the bus by type",
			},
			[]string{"type"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wayfarer_events_dropped_total",
				Help: "Events dropped from saturated subscriber buffers",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayfarer_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayfarer_database_query_duration_seconds",
				Help:    "Store query latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayfarer_provider_requests_total",
				Help: "AI provider calls by provider, operation, and status",
			},
			[]string{"provider", "operation", "status"},
		),
	}
}

// RecordTask records a terminal task.
func (m *Metrics) RecordTask(mode, status string, durationSeconds float64) {
	m.TaskCounter.WithLabelValues(mode, status).Inc()
	m.TaskDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordStep records one executed step.
func (m *Metrics) RecordStep(action, status string, durationSeconds float64) {
	m.StepCounter.WithLabelValues(action, status).Inc()
	m.StepDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordScreenshot records a screenshot capture attempt.
func (m *Metrics) RecordScreenshot(strategy, status string) {
	m.ScreenshotCounter.WithLabelValues(strategy, status).Inc()
}

// RecordCacheLookup records a description cache lookup result.
func (m *Metrics) RecordCacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordEvent records a published event, and optionally a drop.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordProviderRequest records one AI provider call.
func (m *Metrics) RecordProviderRequest(provider, operation, status string) {
	m.ProviderRequestCounter.WithLabelValues(provider, operation, status).Inc()
}
