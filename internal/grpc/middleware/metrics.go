package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	defaultGRPCMetrics     *GRPCMetrics
	defaultGRPCMetricsOnce sync.Once
)

// GRPCMetrics holds Prometheus metrics for served RPCs.
type GRPCMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// InitGRPCMetrics registers the server metrics with registerer. If
// registerer is nil the default registerer is used. Later calls are no-ops.
func InitGRPCMetrics(registerer prometheus.Registerer) {
	defaultGRPCMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultGRPCMetrics = NewGRPCMetricsWithFactory(promauto.With(registerer))
	})
}

// GetGRPCMetrics returns the process-wide server metrics.
func GetGRPCMetrics() *GRPCMetrics {
	InitGRPCMetrics(nil)
	return defaultGRPCMetrics
}

// NewGRPCMetricsWithFactory creates server metrics using factory. Tests use
// it with a private registry.
func NewGRPCMetricsWithFactory(factory promauto.Factory) *GRPCMetrics {
	return &GRPCMetrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "grpc_server",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"service", "method", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cacsi",
				Subsystem: "grpc_server",
				Name:      "request_duration_seconds",
				Help:      "gRPC request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method"},
		),
	}
}

// RecordRequest records a completed request.
func (m *GRPCMetrics) RecordRequest(fullMethod string, err error, duration time.Duration) {
	service, method := ParseFullMethod(fullMethod)
	m.requestsTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
	m.requestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// UnaryMetricsInterceptor returns a unary server interceptor that records metrics.
func UnaryMetricsInterceptor(metrics *GRPCMetrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RecordRequest(info.FullMethod, err, time.Since(start))
		return resp, err
	}
}

// ParseFullMethod splits "/package.Service/Method" into service and method.
func ParseFullMethod(fullMethod string) (service, method string) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "unknown", trimmed
	}
	return trimmed[:idx], trimmed[idx+1:]
}
