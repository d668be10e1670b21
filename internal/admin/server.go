// Package admin serves the HTTP admin endpoint of the cacsi binaries:
// Prometheus metrics, liveness and readiness probes, and read-only JSON
// views of issued certificates and node bindings.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/cacsi/internal/authority/registry"
	"github.com/vyrodovalexey/cacsi/internal/health"
	"github.com/vyrodovalexey/cacsi/internal/node/binding"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// Default server timeouts.
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// ginModeOnce ensures gin.SetMode is only called once to avoid races.
var ginModeOnce sync.Once

// CertificateSource lists the records of the authority registry.
type CertificateSource interface {
	List(ctx context.Context) []*registry.Record
	Lookup(ctx context.Context, id string) (*registry.Record, error)
}

// BindingSource lists the bindings of a node.
type BindingSource interface {
	List() []binding.Binding
}

// Config holds the admin server settings.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	config       Config
	engine       *gin.Engine
	logger       observability.Logger
	metrics      http.Handler
	checker      *health.Checker
	certificates CertificateSource
	bindings     BindingSource
	now          func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves handler at /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = handler
	}
}

// WithHealth serves the probes of checker.
func WithHealth(checker *health.Checker) Option {
	return func(s *Server) {
		s.checker = checker
	}
}

// WithCertificates serves /v1/certificates from source.
func WithCertificates(source CertificateSource) Option {
	return func(s *Server) {
		s.certificates = source
	}
}

// WithBindings serves /v1/bindings from source.
func WithBindings(source BindingSource) Option {
	return func(s *Server) {
		s.bindings = source
	}
}

// New creates an admin server. Routes exist only for the sources given.
func New(cfg Config, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		config: cfg,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()

	return s
}

func (s *Server) routes() {
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.checker != nil {
		s.checker.RegisterRoutes(s.engine)
	}

	v1 := s.engine.Group("/v1")
	if s.certificates != nil {
		v1.GET("/certificates", s.listCertificates)
		v1.GET("/certificates/:id", s.getCertificate)
	}
	if s.bindings != nil {
		v1.GET("/bindings", s.listBindings)
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       durationOr(s.config.ReadTimeout, DefaultReadTimeout),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      durationOr(s.config.WriteTimeout, DefaultWriteTimeout),
	}

	s.logger.Info("starting admin server", observability.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		durationOr(s.config.ShutdownTimeout, DefaultShutdownTimeout))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
			observability.String("remote_addr", c.ClientIP()),
		)
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
