// Package metrics holds the Prometheus collectors exported on /metrics.
//
// HTTP:
//   - intake_http_requests_total (method, path, status)
//   - intake_http_request_duration_seconds (method, path)
//   - intake_http_requests_in_flight
//
// Pipeline:
//   - intake_reconcile_runs_total (outcome)
//   - intake_skipped_entities_total
//   - intake_classify_attempts_total (result)
//   - intake_index_jobs_total (result)
//   - intake_index_queue_depth
//   - intake_review_batches_purged_total
//   - intake_webhook_deliveries_total (result)
//
// Collectors are registered with the default registry during package init.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Reconcile outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeHeld       = "held"
	OutcomeIncomplete = "incomplete"
	OutcomeFailed     = "failed"
)

// Index job results.
const (
	IndexEnqueued = "enqueued"
	IndexDropped  = "dropped"
	IndexFailed   = "failed"
	IndexDone     = "indexed"
)

// Webhook delivery results.
const (
	WebhookDelivered = "delivered"
	WebhookRetried   = "retried"
	WebhookFailed    = "failed"
	WebhookDropped   = "dropped"
)

var (
	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_http_requests_in_flight",
			Help: "Current in-flight requests",
		},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_reconcile_runs_total",
			Help: "Pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	SkippedEntities = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_skipped_entities_total",
			Help: "Malformed entities skipped during reconciliation",
		},
	)

	ClassifyAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_classify_attempts_total",
			Help: "Classifier calls by result (ok, retryable, permanent)",
		},
		[]string{"result"},
	)

	IndexJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_index_jobs_total",
			Help: "Search index jobs by result",
		},
		[]string{"result"},
	)

	IndexQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_index_queue_depth",
			Help: "Index jobs waiting across all worker queues",
		},
	)

	ReviewBatchesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_review_batches_purged_total",
			Help: "Held review batches removed by the retention sweep",
		},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestTotals)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestInFlight)
	prometheus.MustRegister(ReconcileRuns)
	prometheus.MustRegister(SkippedEntities)
	prometheus.MustRegister(ClassifyAttempts)
	prometheus.MustRegister(IndexJobs)
	prometheus.MustRegister(IndexQueueDepth)
	prometheus.MustRegister(ReviewBatchesPurged)
	prometheus.MustRegister(WebhookDeliveries)
}
