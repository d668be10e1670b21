package observability

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsNamespace prefixes every metric exported by cacsi binaries.
const MetricsNamespace = "cacsi"

// Metrics owns the Prometheus registry shared by the packages of one binary.
type Metrics struct {
	registry  *prometheus.Registry
	buildInfo *prometheus.GaugeVec
}

// NewMetrics creates a registry with the Go runtime and process collectors
// and a build_info gauge labelled with the component name.
func NewMetrics(component string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"component", "version", "go_version"},
	)
	registry.MustRegister(buildInfo)

	m := &Metrics{
		registry:  registry,
		buildInfo: buildInfo,
	}
	m.SetBuildInfo(component, "dev")
	return m
}

// SetBuildInfo records the running version.
func (m *Metrics) SetBuildInfo(component, version string) {
	m.buildInfo.Reset()
	m.buildInfo.WithLabelValues(component, version, runtime.Version()).Set(1)
}

// Registry returns the underlying registry. It satisfies prometheus.Registerer
// and is passed to the Init*Metrics functions of the other packages.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
