package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultServiceMetrics     *serviceMetrics
	defaultServiceMetricsOnce sync.Once
)

type serviceMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	records    prometheus.Gauge
}

// InitMetrics registers the service metrics with registerer. If registerer is
// nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultServiceMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultServiceMetrics = newServiceMetricsWithFactory(promauto.With(registerer))
	})
}

func getServiceMetrics() *serviceMetrics {
	InitMetrics(nil)
	return defaultServiceMetrics
}

func newServiceMetricsWithFactory(factory promauto.Factory) *serviceMetrics {
	return &serviceMetrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "operations_total",
				Help:      "Total number of certificate operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "operation_duration_seconds",
				Help:      "Duration of certificate operations",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		records: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "registry_records",
				Help:      "Number of certificate records currently held in the registry",
			},
		),
	}
}
