package vault

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultVaultMetrics     *vaultMetrics
	defaultVaultMetricsOnce sync.Once
)

type vaultMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// InitMetrics registers the Vault client metrics with registerer. If
// registerer is nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultVaultMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultVaultMetrics = newVaultMetricsWithFactory(promauto.With(registerer))
	})
}

func getVaultMetrics() *vaultMetrics {
	InitMetrics(nil)
	return defaultVaultMetrics
}

func newVaultMetricsWithFactory(factory promauto.Factory) *vaultMetrics {
	return &vaultMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "vault",
				Name:      "requests_total",
				Help:      "Total number of Vault requests by operation and result",
			},
			[]string{"operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cacsi",
				Subsystem: "vault",
				Name:      "request_duration_seconds",
				Help:      "Duration of Vault requests",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
	}
}
