package retry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultRetryMetrics     *retryMetrics
	defaultRetryMetricsOnce sync.Once
)

type retryMetrics struct {
	attempts *prometheus.CounterVec
	outcomes *prometheus.CounterVec
}

// InitMetrics registers the retry metrics with registerer. If registerer is
// nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultRetryMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultRetryMetrics = newRetryMetricsWithFactory(promauto.With(registerer))
	})
}

func getRetryMetrics() *retryMetrics {
	InitMetrics(nil)
	return defaultRetryMetrics
}

func newRetryMetricsWithFactory(factory promauto.Factory) *retryMetrics {
	return &retryMetrics{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Total number of retry attempts after a failed call",
			},
			[]string{"operation"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "retry",
				Name:      "outcomes_total",
				Help:      "Total number of retried operations by final result",
			},
			[]string{"operation", "result"},
		),
	}
}

func recordAttempt(operation string) {
	if operation == "" {
		return
	}
	getRetryMetrics().attempts.WithLabelValues(operation).Inc()
}

func recordOutcome(operation string, success bool) {
	if operation == "" {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	getRetryMetrics().outcomes.WithLabelValues(operation, result).Inc()
}
