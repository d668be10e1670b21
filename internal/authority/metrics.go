package authority

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultHolderMetrics     *holderMetrics
	defaultHolderMetricsOnce sync.Once
)

// holderMetrics holds Prometheus metrics for CA signing.
type holderMetrics struct {
	signedTotal  prometheus.Counter
	signErrors   *prometheus.CounterVec
	signDuration prometheus.Histogram
	reloads      *prometheus.CounterVec
	caExpiry     prometheus.Gauge
}

// InitMetrics registers the holder metrics with registerer. If registerer is
// nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultHolderMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultHolderMetrics = newHolderMetricsWithFactory(promauto.With(registerer))
	})
}

func getHolderMetrics() *holderMetrics {
	InitMetrics(nil)
	return defaultHolderMetrics
}

func newHolderMetricsWithFactory(factory promauto.Factory) *holderMetrics {
	return &holderMetrics{
		signedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "certificates_signed_total",
				Help:      "Total number of leaf certificates signed",
			},
		),
		signErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "sign_errors_total",
				Help:      "Total number of failed signing attempts",
			},
			[]string{"reason"},
		),
		signDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "sign_duration_seconds",
				Help:      "Time spent generating and signing a leaf certificate",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		reloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "ca_reloads_total",
				Help:      "Total number of CA reload attempts",
			},
			[]string{"result"},
		),
		caExpiry: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "cacsi",
				Subsystem: "authority",
				Name:      "ca_expiry_timestamp_seconds",
				Help:      "Unix time at which the loaded CA certificate expires",
			},
		),
	}
}
