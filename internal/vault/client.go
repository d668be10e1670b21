// Package vault wraps the HashiCorp Vault API client for reading the CA
// key pair from a KV v2 secrets engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// Client is an authenticated Vault client.
type Client struct {
	config  *Config
	api     *vaultapi.Client
	auth    Authenticator
	logger  observability.Logger
	metrics *vaultMetrics

	mu            sync.RWMutex
	authenticated bool
	closed        bool
}

// ClientOption is a functional option for the Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAuthenticator replaces the authenticator derived from the config.
func WithAuthenticator(auth Authenticator) ClientOption {
	return func(c *Client) {
		c.auth = auth
	}
}

// New creates a Vault client. It does not contact Vault; call Authenticate
// before reading secrets.
func New(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, NewConfigurationError("", "configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	apiConfig := vaultapi.DefaultConfig()
	if apiConfig.Error != nil {
		return nil, fmt.Errorf("failed to build vault config: %w", apiConfig.Error)
	}
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.GetTimeout()
	// retries are driven by the caller through internal/retry
	apiConfig.MaxRetries = 0

	if cfg.TLS != nil {
		if err := apiConfig.ConfigureTLS(&vaultapi.TLSConfig{
			CACert:     cfg.TLS.CACert,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
			Insecure:   cfg.TLS.SkipVerify,
		}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	// VAULT_TOKEN from the environment must not bypass the configured auth method
	api.ClearToken()
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	c := &Client{
		config:  cfg,
		api:     api,
		logger:  observability.NopLogger(),
		metrics: getVaultMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(observability.String("component", "vault"))

	if c.auth == nil {
		c.auth, err = NewAuthenticator(cfg)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Authenticate logs in with the configured method and installs the token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.observe("login", start, err) }()

	secret, err := c.auth.Authenticate(ctx, c.api)
	if err != nil {
		c.authenticated = false
		c.logger.Warn("vault authentication failed",
			observability.String("method", c.auth.Name()),
			observability.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	c.api.SetToken(secret.Auth.ClientToken)
	c.authenticated = true

	c.logger.Info("authenticated with vault",
		observability.String("method", c.auth.Name()),
		observability.String("address", c.config.Address),
		observability.Int("lease_seconds", secret.Auth.LeaseDuration),
	)
	return nil
}

// KV2Read reads the latest version of the secret at path in the KV v2
// engine mounted at mount. A permission error triggers one re-login, which
// covers an expired Kubernetes login token.
func (c *Client) KV2Read(ctx context.Context, mount, path string) (map[string]interface{}, error) {
	if mount == "" {
		mount = DefaultKV2Mount
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, NewConfigurationError("path", "secret path is required")
	}
	fullPath := fmt.Sprintf("%s/data/%s", strings.Trim(mount, "/"), path)

	data, err := c.read(ctx, fullPath)
	if errors.Is(err, ErrPermissionDenied) && c.config.AuthMethod == AuthMethodKubernetes {
		c.logger.Debug("vault permission denied, re-authenticating", observability.String("path", fullPath))
		if authErr := c.Authenticate(ctx); authErr != nil {
			return nil, authErr
		}
		data, err = c.read(ctx, fullPath)
	}
	return data, err
}

func (c *Client) read(ctx context.Context, fullPath string) (data map[string]interface{}, err error) {
	c.mu.RLock()
	closed, authenticated := c.closed, c.authenticated
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}
	if !authenticated {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	defer func() { c.observe("kv2_read", start, err) }()

	secret, err := c.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, NewVaultError("read", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, &VaultError{Op: "read", Path: fullPath, Code: 404, Err: ErrSecretNotFound}
	}

	// a deleted or destroyed latest version has data: null
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok || inner == nil {
		return nil, &VaultError{Op: "read", Path: fullPath, Code: 404, Err: ErrSecretNotFound}
	}

	return inner, nil
}

// Health returns nil when Vault is initialized and unsealed.
func (c *Client) Health(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.observe("health", start, err) }()

	resp, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return NewVaultError("health", "sys/health", err)
	}
	if !resp.Initialized {
		return fmt.Errorf("%w: not initialized", ErrUnhealthy)
	}
	if resp.Sealed {
		return fmt.Errorf("%w: sealed", ErrUnhealthy)
	}
	return nil
}

// Close discards the token. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.authenticated = false
	c.api.ClearToken()
	return nil
}

func (c *Client) observe(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.metrics.requests.WithLabelValues(operation, result).Inc()
	c.metrics.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
