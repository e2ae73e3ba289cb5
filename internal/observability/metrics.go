package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygate_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	synthesisAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_synthesis_attempts_total",
			Help: "Total number of candidate-query synthesis calls.",
		},
	)
	synthesisFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_synthesis_failures_total",
			Help: "Synthesis failures by kind.",
		},
		[]string{"kind"},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygate_validation_rejections_total",
			Help: "Candidate queries rejected, by failing gate.",
		},
		[]string{"kind"},
	)
	validatorGapTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygate_validator_gap_total",
			Help: "Validated queries the store still rejected; candidates for gate refinement.",
		},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_query_duration_seconds",
			Help:    "Store-side execution latency of accepted queries.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygate_query_rows_returned",
			Help:    "Row counts of executed queries, after the row cap.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		synthesisAttemptsTotal,
		synthesisFailuresTotal,
		validationRejectionsTotal,
		validatorGapTotal,
		queryDurationSeconds,
		queryRowsReturned,
	)
}

func ObserveSynthesisAttempt() {
	synthesisAttemptsTotal.Inc()
}

func ObserveSynthesisFailure(kind string) {
	synthesisFailuresTotal.WithLabelValues(kind).Inc()
}

func ObserveValidationRejection(kind string) {
	validationRejectionsTotal.WithLabelValues(kind).Inc()
}

func ObserveValidatorGap() {
	validatorGapTotal.Inc()
}

func ObserveQueryExecution(rows int, elapsed time.Duration) {
	queryDurationSeconds.Observe(elapsed.Seconds())
	queryRowsReturned.Observe(float64(rows))
}
