// Package observability provides logging, metrics, and tracing
// functionality shared by the cacsi binaries.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("certificate issued",
//	    observability.String("certificate_id", id),
//	)
//
// NewLogrLogger returns a logr.Logger for controller-runtime built on the
// same zap configuration.
//
// # Metrics
//
// NewMetrics creates the per-binary Prometheus registry. Packages register
// their collectors against it through their own Init*Metrics functions.
//
// # Tracing
//
// NewTracer configures OpenTelemetry with an OTLP gRPC exporter. When tracing
// is disabled spans are created against the no-op provider.
package observability
