package middleware

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

const (
	// RequestIDHeader is the metadata key for request ID.
	RequestIDHeader = "x-request-id"
)

// UnaryRequestIDInterceptor returns a unary server interceptor that takes
// the request ID from incoming metadata, or generates one, and stores it in
// the context for logging.
func UnaryRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx = ensureRequestID(ctx)
		return handler(ctx, req)
	}
}

// UnaryClientRequestIDInterceptor returns a unary client interceptor that
// forwards the request ID found in ctx, generating one if absent.
func UnaryClientRequestIDInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		requestID := observability.RequestIDFromContext(ctx)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx = SetRequestIDInOutgoingContext(ctx, requestID)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func ensureRequestID(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(RequestIDHeader); len(values) > 0 && values[0] != "" {
			return observability.ContextWithRequestID(ctx, values[0])
		}
	}

	requestID := uuid.New().String()
	ctx = observability.ContextWithRequestID(ctx, requestID)

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	md = md.Copy()
	md.Set(RequestIDHeader, requestID)

	return metadata.NewIncomingContext(ctx, md)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		return requestID
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(RequestIDHeader); len(values) > 0 {
			return values[0]
		}
	}

	return ""
}

// SetRequestIDInOutgoingContext sets the request ID in outgoing metadata.
func SetRequestIDInOutgoingContext(ctx context.Context, requestID string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	md = md.Copy()
	md.Set(RequestIDHeader, requestID)
	return metadata.NewOutgoingContext(ctx, md)
}
