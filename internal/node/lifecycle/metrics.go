package lifecycle

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultLifecycleMetrics     *lifecycleMetrics
	defaultLifecycleMetricsOnce sync.Once
)

type lifecycleMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	volumes    *prometheus.GaugeVec
}

// InitMetrics registers the lifecycle metrics with registerer. If registerer
// is nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultLifecycleMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultLifecycleMetrics = newLifecycleMetricsWithFactory(promauto.With(registerer))
	})
}

func getLifecycleMetrics() *lifecycleMetrics {
	InitMetrics(nil)
	return defaultLifecycleMetrics
}

func newLifecycleMetricsWithFactory(factory promauto.Factory) *lifecycleMetrics {
	return &lifecycleMetrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "volume",
				Name:      "operations_total",
				Help:      "Total number of volume publish and unpublish operations by result",
			},
			[]string{"operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cacsi",
				Subsystem: "volume",
				Name:      "operation_duration_seconds",
				Help:      "Duration of volume publish and unpublish operations",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		volumes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cacsi",
				Subsystem: "volume",
				Name:      "volumes",
				Help:      "Number of volumes by state",
			},
			[]string{"state"},
		),
	}
}
