package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// UnaryLoggingInterceptor returns a unary server interceptor that logs each
// request with its status code and latency. Requests ending in a caller
// error are logged at warn, server errors at error.
func UnaryLoggingInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []observability.Field{
			observability.String("method", info.FullMethod),
			observability.String("code", code.String()),
			observability.Duration("latency", time.Since(start)),
			observability.String("peer", clientHost(ctx)),
		}
		if err != nil {
			fields = append(fields, observability.Error(err))
		}

		l := logger.WithContext(ctx)
		switch logLevel(code) {
		case levelError:
			l.Error("gRPC request failed", fields...)
		case levelWarn:
			l.Warn("gRPC request rejected", fields...)
		default:
			l.Debug("gRPC request completed", fields...)
		}

		return resp, err
	}
}

type level int

const (
	levelDebug level = iota
	levelWarn
	levelError
)

func logLevel(code codes.Code) level {
	switch code {
	case codes.OK:
		return levelDebug
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.Aborted,
		codes.PermissionDenied, codes.Unauthenticated, codes.ResourceExhausted,
		codes.FailedPrecondition, codes.Canceled, codes.DeadlineExceeded:
		return levelWarn
	default:
		return levelError
	}
}
