// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/iorate/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Allocator/feedback-loop metrics (core control application)
	AllocatorCyclesTotal    *prometheus.CounterVec
	AllocatorCycleDuration  *prometheus.HistogramVec
	AllocatedRateIOPS       *prometheus.GaugeVec
	SystemLimitIOPS         prometheus.Gauge
	ActiveLocalsGauge       prometheus.Gauge
	ActiveJobsGauge         prometheus.Gauge

	// Stage/session metrics (local control application)
	StageHandshakesTotal *prometheus.CounterVec
	ActiveStagesGauge    prometheus.Gauge
	SessionDispatchTotal *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	SessionQueueDepth     *prometheus.GaugeVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Allocator/feedback-loop metrics
		AllocatorCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_cycles_total",
				Help: "Total number of feedback-loop allocation cycles run by the core controller",
			},
			[]string{"control_type", "outcome"},
		),
		AllocatorCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocator_cycle_duration_seconds",
				Help:    "Duration of a single feedback-loop allocation cycle",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"control_type"},
		),
		AllocatedRateIOPS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "allocated_rate_iops",
				Help: "Most recently allocated rate limit, in IOPS, per job/location pair",
			},
			[]string{"job_id", "location_id"},
		),
		SystemLimitIOPS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "system_limit_iops",
				Help: "Configured system-wide IOPS ceiling enforced by the allocator",
			},
		),
		ActiveLocalsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_locals",
				Help: "Number of local controllers currently registered with the core controller",
			},
		),
		ActiveJobsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_jobs",
				Help: "Number of jobs currently tracked by the core controller",
			},
		),

		// Stage/session metrics
		StageHandshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_handshakes_total",
				Help: "Total number of data-plane stage handshake attempts",
			},
			[]string{"outcome"},
		),
		ActiveStagesGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_stages",
				Help: "Number of data-plane stages currently connected to the local controller",
			},
		),
		SessionDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_dispatch_total",
				Help: "Total number of control operations dispatched to data-plane stages",
			},
			[]string{"operation", "outcome"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "session_dispatch_duration_seconds",
				Help:    "Round-trip duration of a control operation dispatched to a stage",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
			},
			[]string{"operation"},
		),
		SessionQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "session_queue_depth",
				Help: "Current depth of the session submission/completion queues",
			},
			[]string{"queue"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.AllocatorCyclesTotal,
			m.AllocatorCycleDuration,
			m.AllocatedRateIOPS,
			m.SystemLimitIOPS,
			m.ActiveLocalsGauge,
			m.ActiveJobsGauge,
			m.StageHandshakesTotal,
			m.ActiveStagesGauge,
			m.SessionDispatchTotal,
			m.DispatchDuration,
			m.SessionQueueDepth,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordAllocatorCycle records the outcome and duration of a feedback-loop allocation cycle.
func (m *Metrics) RecordAllocatorCycle(controlType, outcome string, duration time.Duration) {
	m.AllocatorCyclesTotal.WithLabelValues(controlType, outcome).Inc()
	m.AllocatorCycleDuration.WithLabelValues(controlType).Observe(duration.Seconds())
}

// SetAllocatedRate records the most recently allocated rate for a job/location pair.
func (m *Metrics) SetAllocatedRate(jobID, locationID string, iops int64) {
	m.AllocatedRateIOPS.WithLabelValues(jobID, locationID).Set(float64(iops))
}

// SetSystemLimit records the configured system-wide IOPS ceiling.
func (m *Metrics) SetSystemLimit(iops int64) {
	m.SystemLimitIOPS.Set(float64(iops))
}

// SetActiveLocals records the number of locals currently registered.
func (m *Metrics) SetActiveLocals(count int) {
	m.ActiveLocalsGauge.Set(float64(count))
}

// SetActiveJobs records the number of jobs currently tracked.
func (m *Metrics) SetActiveJobs(count int) {
	m.ActiveJobsGauge.Set(float64(count))
}

// RecordStageHandshake records the outcome of a stage handshake attempt.
func (m *Metrics) RecordStageHandshake(outcome string) {
	m.StageHandshakesTotal.WithLabelValues(outcome).Inc()
}

// SetActiveStages records the number of stages currently connected.
func (m *Metrics) SetActiveStages(count int) {
	m.ActiveStagesGauge.Set(float64(count))
}

// RecordSessionDispatch records a control-operation dispatch to a stage.
func (m *Metrics) RecordSessionDispatch(operation, outcome string, duration time.Duration) {
	m.SessionDispatchTotal.WithLabelValues(operation, outcome).Inc()
	m.DispatchDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSessionQueueDepth records the current depth of a named session queue.
func (m *Metrics) SetSessionQueueDepth(queue string, depth int) {
	m.SessionQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
