package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// TracingConfig contains tracing configuration.
type TracingConfig struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a config using the global tracer provider
// and propagator.
func DefaultTracingConfig(serviceName string) *TracingConfig {
	return &TracingConfig{
		Tracer:     otel.Tracer(serviceName),
		Propagator: otel.GetTextMapPropagator(),
	}
}

// UnaryTracingInterceptor returns a unary server interceptor that starts a
// server span, continuing any trace found in incoming metadata.
func UnaryTracingInterceptor(cfg *TracingConfig) grpc.UnaryServerInterceptor {
	if cfg == nil {
		cfg = DefaultTracingConfig("cacsi-grpc-server")
	}

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = cfg.Propagator.Extract(ctx, metadataCarrier(md))
		}

		service, method := ParseFullMethod(info.FullMethod)
		ctx, span := cfg.Tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.service", service),
				attribute.String("rpc.method", method),
			),
		)
		defer span.End()

		sc := span.SpanContext()
		if sc.HasTraceID() {
			ctx = observability.ContextWithTraceID(ctx, sc.TraceID().String())
		}
		if sc.HasSpanID() {
			ctx = observability.ContextWithSpanID(ctx, sc.SpanID().String())
		}

		resp, err := handler(ctx, req)

		span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(status.Code(err))))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}

		return resp, err
	}
}

// UnaryClientTracingInterceptor returns a unary client interceptor that
// injects the current trace context into outgoing metadata.
func UnaryClientTracingInterceptor(propagator propagation.TextMapPropagator) grpc.UnaryClientInterceptor {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}

	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		md, ok := metadata.FromOutgoingContext(ctx)
		if !ok {
			md = metadata.MD{}
		}
		md = md.Copy()
		propagator.Inject(ctx, metadataCarrier(md))
		return invoker(metadata.NewOutgoingContext(ctx, md), method, req, reply, cc, opts...)
	}
}

// metadataCarrier adapts metadata.MD to propagation.TextMapCarrier.
type metadataCarrier metadata.MD

// Get returns the value for a key.
func (m metadataCarrier) Get(key string) string {
	values := metadata.MD(m).Get(key)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

// Set sets a key-value pair.
func (m metadataCarrier) Set(key, value string) {
	metadata.MD(m).Set(key, value)
}

// Keys returns all keys.
func (m metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
