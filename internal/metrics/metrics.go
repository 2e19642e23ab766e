// Package metrics exposes Prometheus collectors for the sharing engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// shareRequestsTotal tracks share submissions by outcome
	shareRequestsTotal *prometheus.CounterVec

	// queryRequestsTotal tracks feed and lookup requests by operation and outcome
	queryRequestsTotal *prometheus.CounterVec

	// rateLimitDenialsTotal tracks rejected requests by quota class
	rateLimitDenialsTotal *prometheus.CounterVec

	// thresholdCrossingsTotal counts indicators that became shareable
	thresholdCrossingsTotal prometheus.Counter

	// auditFailuresTotal counts participation and query log writes that failed
	// after the primary operation succeeded
	auditFailuresTotal *prometheus.CounterVec

	// storeDuration tracks latency of indicator store operations
	storeDuration *prometheus.HistogramVec

	// breakerStateChanges tracks circuit breaker transitions
	breakerStateChanges *prometheus.CounterVec

	// purgedIndicatorsTotal counts indicators removed by the retention janitor
	purgedIndicatorsTotal prometheus.Counter

	// notificationsTotal tracks threshold notifications by notifier and outcome
	notificationsTotal *prometheus.CounterVec
)

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		shareRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intelcommons_share_requests_total",
				Help: "Total number of indicator submissions by outcome",
			},
			[]string{"outcome"},
		)

		queryRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intelcommons_query_requests_total",
				Help: "Total number of feed and lookup requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		)

		rateLimitDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intelcommons_rate_limit_denials_total",
				Help: "Total number of requests rejected by quota class",
			},
			[]string{"class"},
		)

		thresholdCrossingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "intelcommons_threshold_crossings_total",
				Help: "Total number of indicators that reached the anonymity threshold",
			},
		)

		auditFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intelcommons_audit_failures_total",
				Help: "Participation or query log writes that failed after a committed operation",
			},
			[]string{"target"},
		)

		storeDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intelcommons_store_operation_duration_seconds",
				Help:    "Duration of indicator store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation", "status"},
		)

		breakerStateChanges = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intelcommons_circuit_breaker_transitions_total",
				Help: "Circuit breaker state transitions by breaker and target state",
			},
			[]string{"breaker", "to"},
		)

		purgedIndicatorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "intelcommons_purged_indicators_total",
				Help: "Total number of expired indicators physically removed",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intelcommons_notifications_total",
				Help: "Threshold notifications by notifier and status",
			},
			[]string{"notifier", "status"},
		)
	})
}

// RecordShare records a share outcome
// outcome: "shared", "pending", "invalid", "rate_limited", "error"
func RecordShare(outcome string) {
	if shareRequestsTotal != nil {
		shareRequestsTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordQuery records a feed or lookup outcome
// operation: "feed", "query_ioc"
// outcome: "ok", "not_found", "invalid", "rate_limited", "error"
func RecordQuery(operation, outcome string) {
	if queryRequestsTotal != nil {
		queryRequestsTotal.WithLabelValues(operation, outcome).Inc()
	}
}

// RecordRateLimitDenial records a rejected request for a quota class
func RecordRateLimitDenial(class string) {
	if rateLimitDenialsTotal != nil {
		rateLimitDenialsTotal.WithLabelValues(class).Inc()
	}
}

// RecordThresholdCrossing records an indicator becoming shareable
func RecordThresholdCrossing() {
	if thresholdCrossingsTotal != nil {
		thresholdCrossingsTotal.Inc()
	}
}

// RecordAuditFailure records a swallowed participation or query log failure
// target: "participation", "query_log"
func RecordAuditFailure(target string) {
	if auditFailuresTotal != nil {
		auditFailuresTotal.WithLabelValues(target).Inc()
	}
}

// RecordStoreOperation records the latency of a store call
func RecordStoreOperation(operation string, err error, d time.Duration) {
	if storeDuration == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	storeDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// RecordBreakerTransition records a circuit breaker state change
func RecordBreakerTransition(breaker, to string) {
	if breakerStateChanges != nil {
		breakerStateChanges.WithLabelValues(breaker, to).Inc()
	}
}

// RecordPurged records indicators removed by the janitor
func RecordPurged(n int64) {
	if purgedIndicatorsTotal != nil && n > 0 {
		purgedIndicatorsTotal.Add(float64(n))
	}
}

// RecordNotification records a threshold notification attempt
func RecordNotification(notifier string, err error) {
	if notificationsTotal == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "error"
	}
	notificationsTotal.WithLabelValues(notifier, status).Inc()
}

// StoreTimer times a single store operation.
type StoreTimer struct {
	op    string
	start time.Time
}

// StartStoreTimer creates a new timer for op
func StartStoreTimer(op string) *StoreTimer {
	return &StoreTimer{op: op, start: time.Now()}
}

// ObserveDuration records the elapsed time since the timer started
func (t *StoreTimer) ObserveDuration(err error) {
	if t != nil {
		RecordStoreOperation(t.op, err, time.Since(t.start))
	}
}
