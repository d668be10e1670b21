// Package grpc provides the gRPC server and client of the certificate
// authority protocol. Messages are plain Go structs carried with the JSON
// codec registered by this package.
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/grpc/middleware"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// Server lifecycle errors.
var (
	ErrServerStarted = errors.New("server already started")
	ErrServerClosed  = errors.New("server is closed")
)

// TLSConfig holds file paths of the serving certificate. When ClientCAFile
// is set, clients must present a certificate signed by it.
type TLSConfig struct {
	CertFile     string `yaml:"certFile" json:"certFile"`
	KeyFile      string `yaml:"keyFile" json:"keyFile"`
	ClientCAFile string `yaml:"clientCAFile,omitempty" json:"clientCAFile,omitempty"`
}

// ServerConfig contains configuration for the authority gRPC server.
type ServerConfig struct {
	// Address is the host:port to listen on.
	Address string

	// TLS enables TLS when non-nil.
	TLS *TLSConfig

	// MetricsRegisterer is used for gRPC metrics. Defaults to the
	// default registerer.
	MetricsRegisterer prometheus.Registerer

	MaxConcurrentStreams uint32
	MaxRecvMsgSize       int
	MaxSendMsgSize       int

	// RateLimitRPS and RateLimitBurst bound requests per client host. A
	// negative RateLimitRPS disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// GracefulShutdownTimeout is the maximum time to wait for in-flight
	// requests on Stop. If zero, DefaultGracefulShutdownTimeout is used.
	GracefulShutdownTimeout time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.MaxRecvMsgSize == 0 {
		c.MaxRecvMsgSize = DefaultMaxMessageSize
	}
	if c.MaxSendMsgSize == 0 {
		c.MaxSendMsgSize = DefaultMaxMessageSize
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = DefaultRateLimitRPS
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.GracefulShutdownTimeout == 0 {
		c.GracefulShutdownTimeout = DefaultGracefulShutdownTimeout
	}
}

// Server serves the authority protocol.
type Server struct {
	config  ServerConfig
	handler AuthorityServer
	logger  observability.Logger
	tracing *middleware.TracingConfig
	limiter *middleware.RateLimiter

	mu         sync.Mutex
	grpcServer *grpc.Server
	started    bool
	closed     bool
}

// ServerOption is a functional option for the Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerTracing sets the tracer and propagator used for server spans.
func WithServerTracing(cfg *middleware.TracingConfig) ServerOption {
	return func(s *Server) {
		s.tracing = cfg
	}
}

// NewServer creates a server for svc.
func NewServer(config ServerConfig, svc *service.Service, opts ...ServerOption) *Server {
	config.applyDefaults()

	s := &Server{
		config: config,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracing == nil {
		s.tracing = middleware.DefaultTracingConfig(serverTracerName)
	}
	if config.RateLimitRPS > 0 {
		s.limiter = middleware.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst,
			middleware.WithRateLimiterLogger(s.logger))
	}
	s.handler = NewHandler(svc, s.logger)

	return s
}

// Start listens on the configured address and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is canceled or serving fails.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.started = true
	s.mu.Unlock()

	opts, err := s.serverOptions()
	if err != nil {
		_ = listener.Close()
		return err
	}

	grpcSrv := grpc.NewServer(opts...)
	RegisterAuthorityServer(grpcSrv, s.handler)

	s.mu.Lock()
	s.grpcServer = grpcSrv
	s.mu.Unlock()

	s.logger.Info("starting authority gRPC server",
		observability.String("address", listener.Addr().String()),
		observability.Bool("tls_enabled", s.config.TLS != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := grpcSrv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	middleware.InitGRPCMetrics(s.config.MetricsRegisterer)

	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRecoveryInterceptor(s.logger),
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryTracingInterceptor(s.tracing),
	}
	if s.limiter != nil {
		interceptors = append(interceptors, middleware.UnaryRateLimitInterceptor(s.limiter))
	}
	interceptors = append(interceptors,
		middleware.UnaryMetricsInterceptor(middleware.GetGRPCMetrics()),
		middleware.UnaryLoggingInterceptor(s.logger),
	)

	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     DefaultMaxConnectionIdle,
			MaxConnectionAge:      DefaultMaxConnectionAge,
			MaxConnectionAgeGrace: DefaultMaxConnectionAgeGrace,
			Time:                  DefaultKeepaliveTime,
			Timeout:               DefaultKeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             DefaultMinKeepaliveTime,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(interceptors...),
	}

	if s.config.TLS != nil {
		tlsConfig, err := serverTLSConfig(s.config.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	return opts, nil
}

func serverTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		pool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}

// Stop stops the server, waiting up to GracefulShutdownTimeout for
// in-flight requests before forcing connections closed.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.grpcServer == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("authority gRPC server gracefully stopped")
	case <-time.After(s.config.GracefulShutdownTimeout):
		s.logger.Warn("graceful shutdown timeout exceeded, forcing stop",
			observability.Duration("timeout", s.config.GracefulShutdownTimeout),
		)
		s.grpcServer.Stop()
	}
}
