package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// maxTrackedClients bounds the per-client limiter map. Idle limiters are
// evicted when it is exceeded.
const maxTrackedClients = 10000

// RateLimiter limits requests per client host. A node driver talks to the
// authority from a single host, so the limit is effectively per node.
type RateLimiter struct {
	rps    rate.Limit
	burst  int
	logger observability.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption is a functional option for configuring the rate limiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger sets the logger for the rate limiter.
func WithRateLimiterLogger(logger observability.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// NewRateLimiter creates a per-client rate limiter allowing rps requests per
// second with the given burst.
func NewRateLimiter(rps float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}

	rl := &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		logger:  observability.NopLogger(),
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}

	for _, opt := range opts {
		opt(rl)
	}

	return rl
}

// Allow reports whether a request from client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()

	rl.mu.Lock()
	cl, ok := rl.clients[client]
	if !ok {
		if len(rl.clients) >= maxTrackedClients {
			rl.evictIdleLocked(now, time.Minute)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[client] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) evictIdleLocked(now time.Time, idle time.Duration) {
	for k, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > idle {
			delete(rl.clients, k)
		}
	}
}

// UnaryRateLimitInterceptor returns a unary server interceptor that rejects
// requests over the limit with ResourceExhausted.
func UnaryRateLimitInterceptor(limiter *RateLimiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		client := clientHost(ctx)

		if !limiter.Allow(client) {
			limiter.logger.Warn("rate limit exceeded",
				observability.String("client", client),
				observability.String("method", info.FullMethod),
			)
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}

// clientHost returns the peer host without port.
func clientHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
