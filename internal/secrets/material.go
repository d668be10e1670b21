package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/retry"
)

// Default keys of the CA key pair inside a secret.
const (
	DefaultCertificateKey = "tls.crt"
	DefaultPrivateKeyKey  = "tls.key"
)

// LoadOption configures LoadCAMaterial.
type LoadOption func(*loadOptions)

type loadOptions struct {
	retry  *retry.Config
	logger observability.Logger
}

// WithRetry sets the retry policy for fetching the secret.
func WithRetry(cfg *retry.Config) LoadOption {
	return func(o *loadOptions) {
		o.retry = cfg
	}
}

// WithLoadLogger sets the logger used for retry warnings.
func WithLoadLogger(logger observability.Logger) LoadOption {
	return func(o *loadOptions) {
		o.logger = logger
	}
}

// LoadCAMaterial fetches the secret at path and returns the PEM values
// stored under certKey and keyKey (tls.crt and tls.key when empty).
// Transient provider failures are retried; a missing secret or key is not.
func LoadCAMaterial(
	ctx context.Context,
	provider Provider,
	path, certKey, keyKey string,
	opts ...LoadOption,
) (certPEM, keyPEM []byte, err error) {
	if provider == nil {
		return nil, nil, fmt.Errorf("%w: provider is nil", ErrProviderNotConfigured)
	}
	if certKey == "" {
		certKey = DefaultCertificateKey
	}
	if keyKey == "" {
		keyKey = DefaultPrivateKeyKey
	}

	o := &loadOptions{retry: retry.DefaultConfig(), logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	var secret *Secret
	err = retry.Do(ctx, o.retry, func() error {
		var getErr error
		secret, getErr = provider.GetSecret(ctx, path)
		return getErr
	}, &retry.Options{
		Operation:   "load_ca_material",
		ShouldRetry: isRetryableFetch,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			o.logger.Warn("failed to fetch CA secret, retrying",
				observability.String("provider", string(provider.Type())),
				observability.String("path", path),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load CA secret %s from %s provider: %w", path, provider.Type(), err)
	}

	certPEM, ok := secret.GetBytes(certKey)
	if !ok || len(certPEM) == 0 {
		return nil, nil, fmt.Errorf("%w: %s in secret %s", ErrKeyNotFound, certKey, path)
	}
	keyPEM, ok = secret.GetBytes(keyKey)
	if !ok || len(keyPEM) == 0 {
		return nil, nil, fmt.Errorf("%w: %s in secret %s", ErrKeyNotFound, keyKey, path)
	}

	return certPEM, keyPEM, nil
}

func isRetryableFetch(err error) bool {
	switch {
	case errors.Is(err, ErrSecretNotFound),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrProviderNotConfigured),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
