// Package middleware provides the gRPC interceptors shared by the authority
// server, its client in the node driver, and the CSI socket server.
//
// Server interceptors are chained in this order:
//
//	grpc.ChainUnaryInterceptor(
//	    middleware.UnaryRecoveryInterceptor(logger),
//	    middleware.UnaryRequestIDInterceptor(),
//	    middleware.UnaryTracingInterceptor(nil),
//	    middleware.UnaryRateLimitInterceptor(limiter),
//	    middleware.UnaryMetricsInterceptor(metrics),
//	    middleware.UnaryLoggingInterceptor(logger),
//	)
//
// Client interceptors attach the request ID and a per-call timeout, apply the
// circuit breaker and retry transient failures:
//
//	grpc.WithChainUnaryInterceptor(
//	    middleware.UnaryClientRequestIDInterceptor(),
//	    middleware.UnaryClientRetryInterceptor(retryCfg, logger),
//	    middleware.UnaryClientCircuitBreakerInterceptor(breaker),
//	    middleware.UnaryClientTimeoutInterceptor(timeout),
//	)
package middleware
