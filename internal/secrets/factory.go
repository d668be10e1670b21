package secrets

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/vault"
)

// ProviderConfig holds configuration for creating providers.
type ProviderConfig struct {
	// Type is the provider type.
	Type ProviderType
	// KubeReader is the Kubernetes client (kubernetes provider).
	KubeReader client.Reader
	// Namespace is the default namespace for Kubernetes secrets.
	Namespace string
	// LocalBasePath is the base path for local file secrets.
	LocalBasePath string
	// EnvPrefix is the prefix for environment variable secrets.
	EnvPrefix string
	// Vault configures the Vault client (vault provider).
	Vault *vault.Config
	// VaultMount is the KV v2 mount (vault provider).
	VaultMount string
	// Logger is the logger instance.
	Logger observability.Logger
}

// NewProvider creates a secrets provider. For the vault provider it
// authenticates before returning.
func NewProvider(ctx context.Context, cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.With(observability.String("provider", string(cfg.Type)))

	switch cfg.Type {
	case ProviderTypeKubernetes:
		return NewKubernetesProvider(&KubernetesProviderConfig{
			Reader:           cfg.KubeReader,
			DefaultNamespace: cfg.Namespace,
			Logger:           logger,
		})

	case ProviderTypeVault:
		if cfg.Vault == nil {
			return nil, fmt.Errorf("%w: vault config is required for vault provider", ErrProviderNotConfigured)
		}
		vc, err := vault.New(cfg.Vault, vault.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProviderNotConfigured, err)
		}
		if err := vc.Authenticate(ctx); err != nil {
			_ = vc.Close()
			return nil, err
		}
		return NewVaultProvider(&VaultProviderConfig{Client: vc, Mount: cfg.VaultMount, Logger: logger})

	case ProviderTypeLocal:
		return NewLocalProvider(&LocalProviderConfig{BasePath: cfg.LocalBasePath, Logger: logger})

	case ProviderTypeEnv:
		return NewEnvProvider(&EnvProviderConfig{Prefix: cfg.EnvPrefix, Logger: logger}), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, cfg.Type)
	}
}
