package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultHealthMetrics     *healthMetrics
	defaultHealthMetricsOnce sync.Once
)

type healthMetrics struct {
	checks *prometheus.CounterVec
	status *prometheus.GaugeVec
}

// InitMetrics registers the health metrics with registerer. If registerer
// is nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultHealthMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultHealthMetrics = newHealthMetricsWithFactory(promauto.With(registerer))
	})
}

func getHealthMetrics() *healthMetrics {
	InitMetrics(nil)
	return defaultHealthMetrics
}

func newHealthMetricsWithFactory(factory promauto.Factory) *healthMetrics {
	return &healthMetrics{
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of health checks performed",
			},
			[]string{"type"},
		),
		status: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cacsi",
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current readiness check status (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}
}

func (m *healthMetrics) setStatus(check string, status Status) {
	var v float64
	switch status {
	case StatusHealthy:
		v = 1
	case StatusDegraded:
		v = 0.5
	}
	m.status.WithLabelValues(check).Set(v)
}
