package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMonitorMetrics     *monitorMetrics
	defaultMonitorMetricsOnce sync.Once
)

type monitorMetrics struct {
	ticks         prometheus.Counter
	renewals      *prometheus.CounterVec
	bindings      prometheus.Gauge
	nearestExpiry prometheus.Gauge
	tickDuration  prometheus.Histogram
}

// InitMetrics registers the monitor metrics with registerer. If registerer is
// nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultMonitorMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultMonitorMetrics = newMonitorMetricsWithFactory(promauto.With(registerer))
	})
}

func getMonitorMetrics() *monitorMetrics {
	InitMetrics(nil)
	return defaultMonitorMetrics
}

func newMonitorMetricsWithFactory(factory promauto.Factory) *monitorMetrics {
	return &monitorMetrics{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cacsi",
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Total number of renewal scans",
		}),
		renewals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "monitor",
				Name:      "renewals_total",
				Help:      "Total number of renewal attempts by result",
			},
			[]string{"result"},
		),
		bindings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cacsi",
			Subsystem: "monitor",
			Name:      "bindings",
			Help:      "Number of volume bindings seen by the last scan",
		}),
		nearestExpiry: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cacsi",
			Subsystem: "monitor",
			Name:      "nearest_expiry_seconds",
			Help:      "Seconds until the soonest expiring bound certificate expires",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cacsi",
			Subsystem: "monitor",
			Name:      "scan_duration_seconds",
			Help:      "Duration of renewal scans",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}
