package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/vault"
)

// VaultReader reads KV v2 secrets. *vault.Client implements it.
type VaultReader interface {
	KV2Read(ctx context.Context, mount, path string) (map[string]interface{}, error)
	Health(ctx context.Context) error
	Close() error
}

// VaultProviderConfig holds configuration for the Vault secrets provider.
type VaultProviderConfig struct {
	// Client is an authenticated Vault client.
	Client VaultReader
	// Mount is the KV v2 mount. Defaults to "secret".
	Mount string
	// Logger is the logger instance.
	Logger observability.Logger
}

// VaultProvider reads secrets from a Vault KV v2 engine.
type VaultProvider struct {
	client VaultReader
	mount  string
	logger observability.Logger
}

// NewVaultProvider creates a new Vault secrets provider.
func NewVaultProvider(cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, fmt.Errorf("%w: vault client is required", ErrProviderNotConfigured)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = vault.DefaultKV2Mount
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &VaultProvider{client: cfg.Client, mount: mount, logger: logger}, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret reads path from the KV v2 mount. String values are used as is;
// other values are JSON encoded.
func (p *VaultProvider) GetSecret(ctx context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() { recordOperation(p.Type(), "get", start, err) }()

	if path == "" {
		return nil, ErrInvalidPath
	}

	values, err := p.client.KV2Read(ctx, p.mount, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrSecretNotFound, p.mount, path)
		}
		return nil, fmt.Errorf("failed to read vault secret %s/%s: %w", p.mount, path, err)
	}

	data := make(map[string][]byte, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			data[k] = []byte(val)
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("failed to encode vault value %s: %w", k, err)
			}
			data[k] = encoded
		}
	}

	p.logger.Debug("retrieved vault secret",
		observability.String("mount", p.mount),
		observability.String("path", path),
		observability.Int("keys", len(data)),
	)

	return &Secret{Name: path, Data: data}, nil
}

// HealthCheck checks that Vault is initialized and unsealed.
func (p *VaultProvider) HealthCheck(ctx context.Context) (err error) {
	defer func() { recordHealth(p.Type(), err) }()
	return p.client.Health(ctx)
}

// Close closes the Vault client.
func (p *VaultProvider) Close() error {
	return p.client.Close()
}
