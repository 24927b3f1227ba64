package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"autosubmit/internal/status"
	"autosubmit/pkg/circuitbreaker"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long cycles, submissions and requests take
// - Traffic: Cycle, submission and status change throughput
// - Errors: Rate of failures
// - Saturation: Active jobs, queue depths, open breakers
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Run loop metrics (Latency, Traffic, Errors, Saturation)
	CycleDuration      metric.Float64Histogram
	CyclesTotal        metric.Int64Counter
	CycleErrorsTotal   metric.Int64Counter
	CycleRetriesTotal  metric.Int64Counter
	SubmissionsTotal   metric.Int64Counter
	SubmittedJobsTotal metric.Int64Counter
	StatusChangesTotal metric.Int64Counter
	JobsActive         metric.Int64Gauge

	// Log retrieval metrics (Latency, Errors)
	RetrievalDuration    metric.Float64Histogram
	RetrievalErrorsTotal metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// BreakerSource exposes per-platform circuit breaker state.
type BreakerSource interface {
	Names() []string
	BreakerState(name string) circuitbreaker.State
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("autosubmit")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Run loop metrics
	m.CycleDuration, err = meter.Float64Histogram(
		"runloop_cycle_duration_seconds",
		metric.WithDescription("Duration of one reconciliation cycle in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CyclesTotal, err = meter.Int64Counter(
		"runloop_cycles_total",
		metric.WithDescription("Total number of reconciliation cycles"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleErrorsTotal, err = meter.Int64Counter(
		"runloop_cycle_errors_total",
		metric.WithDescription("Total number of failed reconciliation cycles"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleRetriesTotal, err = meter.Int64Counter(
		"runloop_retries_total",
		metric.WithDescription("Total number of recoveries after a failed cycle"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"runloop_submissions_total",
		metric.WithDescription("Total number of package submissions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmittedJobsTotal, err = meter.Int64Counter(
		"runloop_submitted_jobs_total",
		metric.WithDescription("Total number of jobs handed to a platform"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StatusChangesTotal, err = meter.Int64Counter(
		"job_status_changes_total",
		metric.WithDescription("Total number of job status transitions by target status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64Gauge(
		"jobs_active",
		metric.WithDescription("Number of jobs not yet in a terminal status (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Log retrieval metrics
	m.RetrievalDuration, err = meter.Float64Histogram(
		"log_retrieval_duration_seconds",
		metric.WithDescription("Log retrieval duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RetrievalErrorsTotal, err = meter.Int64Counter(
		"log_retrieval_errors_total",
		metric.WithDescription("Total number of failed log retrievals"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("History event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// ObserveBreakers exports the breaker state of every platform as a gauge
// (0 closed, 1 half-open, 2 open), read at collection time.
func (m *Metrics) ObserveBreakers(src BreakerSource) error {
	gauge, err := m.meter.Int64ObservableGauge(
		"platform_breaker_state",
		metric.WithDescription("Circuit breaker state per platform (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, name := range src.Names() {
			o.ObserveInt64(gauge, breakerValue(src.BreakerState(name)), metric.WithAttributes(platformAttr(name)))
		}
		return nil
	}, gauge)
	return err
}

func breakerValue(s circuitbreaker.State) int64 {
	switch s {
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return 0
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordCycle records one reconciliation cycle.
func (m *Metrics) RecordCycle(ctx context.Context, durationSeconds float64, failed bool) {
	attrs := metric.WithAttributes(successAttr(!failed))
	m.CycleDuration.Record(ctx, durationSeconds, attrs)
	m.CyclesTotal.Add(ctx, 1, attrs)
	if failed {
		m.CycleErrorsTotal.Add(ctx, 1)
	}
}

// RecordSubmission records one package submission of jobs members.
func (m *Metrics) RecordSubmission(ctx context.Context, platform string, jobs int, failed bool) {
	attrs := metric.WithAttributes(platformAttr(platform), successAttr(!failed))
	m.SubmissionsTotal.Add(ctx, 1, attrs)
	if !failed {
		m.SubmittedJobsTotal.Add(ctx, int64(jobs), metric.WithAttributes(platformAttr(platform)))
	}
}

// RecordStatusChange records a job transition into s.
func (m *Metrics) RecordStatusChange(ctx context.Context, s status.Status) {
	m.StatusChangesTotal.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(s)))
}

// RecordRetry records a recovery attempt after a failed cycle.
func (m *Metrics) RecordRetry(ctx context.Context, retry int) {
	m.CycleRetriesTotal.Add(ctx, 1)
}

// RecordJobsActive records the number of non-terminal jobs.
func (m *Metrics) RecordJobsActive(ctx context.Context, n int64) {
	m.JobsActive.Record(ctx, n)
}

// RecordRetrieval records a finished log retrieval.
func (m *Metrics) RecordRetrieval(ctx context.Context, durationSeconds float64, failed bool) {
	m.RetrievalDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(!failed)))
	if failed {
		m.RetrievalErrorsTotal.Add(ctx, 1)
	}
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
