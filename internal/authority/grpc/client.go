package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/grpc/middleware"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/retry"
)

// ErrInvalidClientConfig is returned by NewClient for a bad configuration.
var ErrInvalidClientConfig = errors.New("invalid authority client configuration")

// ClientTLSConfig holds client TLS settings.
type ClientTLSConfig struct {
	CAFile             string `yaml:"caFile,omitempty" json:"caFile,omitempty"`
	CertFile           string `yaml:"certFile,omitempty" json:"certFile,omitempty"`
	KeyFile            string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
	ServerName         string `yaml:"serverName,omitempty" json:"serverName,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`
}

// ClientConfig contains configuration for the authority client.
type ClientConfig struct {
	// Address is the authority target, for example cacsi-authority:9443.
	Address string

	// TLS enables TLS when non-nil.
	TLS *ClientTLSConfig

	// CallTimeout bounds each attempt. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Retry configures retries of Unavailable and Aborted calls.
	Retry *retry.Config

	// BreakerThreshold and BreakerTimeout configure the circuit breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Validate validates the configuration.
func (c *ClientConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidClientConfig)
	}
	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: certFile and keyFile must be set together", ErrInvalidClientConfig)
	}
	return nil
}

// Client calls the authority over gRPC.
type Client struct {
	config      ClientConfig
	conn        *grpc.ClientConn
	breaker     *middleware.CircuitBreaker
	logger      observability.Logger
	propagator  propagation.TextMapPropagator
	dialOptions []grpc.DialOption
}

// ClientOption is a functional option for the Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientPropagator sets the propagator used to inject trace context.
func WithClientPropagator(p propagation.TextMapPropagator) ClientOption {
	return func(c *Client) {
		c.propagator = p
	}
}

// WithDialOptions appends extra dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// NewClient creates a client. The connection is established lazily on the
// first call.
func NewClient(config ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = DefaultBreakerThreshold
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = DefaultBreakerTimeout
	}

	c := &Client{
		config: config,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.propagator == nil {
		c.propagator = otel.GetTextMapPropagator()
	}

	c.breaker = middleware.NewCircuitBreaker("authority", config.BreakerThreshold, config.BreakerTimeout,
		middleware.WithCircuitBreakerLogger(c.logger))

	dialOpts, err := c.buildDialOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to build dial options: %w", err)
	}

	conn, err := grpc.NewClient(config.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority client for %s: %w", config.Address, err)
	}
	c.conn = conn

	c.logger.Info("authority client created",
		observability.String("address", config.Address),
		observability.Bool("tls_enabled", config.TLS != nil),
	)

	return c, nil
}

func (c *Client) buildDialOptions() ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultClientKeepaliveTime,
			Timeout:             DefaultClientKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithChainUnaryInterceptor(
			middleware.UnaryClientRequestIDInterceptor(),
			middleware.UnaryClientTracingInterceptor(c.propagator),
			middleware.UnaryClientRetryInterceptor(c.config.Retry, c.logger),
			middleware.UnaryClientCircuitBreakerInterceptor(c.breaker),
			middleware.UnaryClientTimeoutInterceptor(c.config.CallTimeout),
		),
	}

	if c.config.TLS != nil {
		tlsConfig, err := clientTLSConfig(c.config.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return append(opts, c.dialOptions...), nil
}

func clientTLSConfig(cfg *ClientTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for dev environments
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Issue asks the authority to sign a certificate.
func (c *Client) Issue(ctx context.Context, req *IssueCertificateRequest) (*CertificateResponse, error) {
	resp := new(CertificateResponse)
	if err := c.conn.Invoke(ctx, IssueMethod, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// Renew asks the authority to re-sign the certificate stored under id.
func (c *Client) Renew(ctx context.Context, id string) (*CertificateResponse, error) {
	resp := new(CertificateResponse)
	if err := c.conn.Invoke(ctx, RenewMethod, &RenewCertificateRequest{CertificateID: id}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// GetCertificateInfo returns the public view of the certificate stored
// under id.
func (c *Client) GetCertificateInfo(ctx context.Context, id string) (*CertificateInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: certificate id is required", ErrInvalidClientConfig)
	}
	resp := new(GetCertificateInfoResponse)
	if err := c.conn.Invoke(ctx, GetCertificateInfoMethod, &GetCertificateInfoRequest{CertificateID: id}, resp); err != nil {
		return nil, fromStatus(err)
	}
	if len(resp.Certificates) == 0 {
		return nil, fmt.Errorf("%w: %s", service.ErrNotFound, id)
	}
	return &resp.Certificates[0], nil
}

// ListCertificates returns the public view of every stored certificate.
func (c *Client) ListCertificates(ctx context.Context) ([]CertificateInfo, error) {
	resp := new(GetCertificateInfoResponse)
	if err := c.conn.Invoke(ctx, GetCertificateInfoMethod, &GetCertificateInfoRequest{}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Certificates, nil
}

// Revoke asks the authority to forget the certificate stored under id.
// Revoking an unknown id succeeds.
func (c *Client) Revoke(ctx context.Context, id string) error {
	resp := new(RevokeCertificateResponse)
	if err := c.conn.Invoke(ctx, RevokeMethod, &RevokeCertificateRequest{CertificateID: id}, resp); err != nil {
		return fromStatus(err)
	}
	return nil
}

// BreakerState returns the state of the client circuit breaker.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Available reports whether calls are currently let through.
func (c *Client) Available() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
