package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/retry"
)

// DefaultRetryCodes are the status codes retried by the client interceptor.
var DefaultRetryCodes = []codes.Code{codes.Unavailable, codes.Aborted}

// UnaryClientRetryInterceptor returns a unary client interceptor that
// retries calls failing with one of retryOn using exponential backoff. If
// retryOn is empty DefaultRetryCodes is used.
func UnaryClientRetryInterceptor(
	cfg *retry.Config,
	logger observability.Logger,
	retryOn ...codes.Code,
) grpc.UnaryClientInterceptor {
	if len(retryOn) == 0 {
		retryOn = DefaultRetryCodes
	}
	shouldRetry := retry.OnGRPCCodes(retryOn...)

	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return retry.Do(ctx, cfg, func() error {
			return invoker(ctx, method, req, reply, cc, opts...)
		}, &retry.Options{
			Operation:   method,
			ShouldRetry: shouldRetry,
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				logger.Debug("retrying gRPC call",
					observability.String("method", method),
					observability.Int("attempt", attempt),
					observability.Duration("backoff", backoff),
					observability.Error(err),
				)
			},
		})
	}
}
