package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// KubernetesProviderConfig holds configuration for the Kubernetes secrets provider.
type KubernetesProviderConfig struct {
	// Reader is the Kubernetes client.
	Reader client.Reader
	// DefaultNamespace is used for paths without a namespace.
	DefaultNamespace string
	// Logger is the logger instance.
	Logger observability.Logger
}

// KubernetesProvider reads Kubernetes Secrets.
type KubernetesProvider struct {
	reader           client.Reader
	defaultNamespace string
	logger           observability.Logger
}

// NewKubernetesProvider creates a new Kubernetes secrets provider.
func NewKubernetesProvider(cfg *KubernetesProviderConfig) (*KubernetesProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("%w: kubernetes client is required", ErrProviderNotConfigured)
	}

	ns := cfg.DefaultNamespace
	if ns == "" {
		ns = "default"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &KubernetesProvider{
		reader:           cfg.Reader,
		defaultNamespace: ns,
		logger:           logger,
	}, nil
}

// Type returns the provider type.
func (p *KubernetesProvider) Type() ProviderType {
	return ProviderTypeKubernetes
}

// parsePath splits "namespace/name" or "name".
func (p *KubernetesProvider) parsePath(path string) (namespace, name string, err error) {
	if path == "" {
		return "", "", ErrInvalidPath
	}

	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 1 {
		return p.defaultNamespace, parts[0], nil
	}
	if parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", fmt.Errorf("%w: invalid path format: %s", ErrInvalidPath, path)
	}
	return parts[0], parts[1], nil
}

// GetSecret retrieves a secret by path.
func (p *KubernetesProvider) GetSecret(ctx context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() { recordOperation(p.Type(), "get", start, err) }()

	namespace, name, err := p.parsePath(path)
	if err != nil {
		return nil, err
	}

	obj := &corev1.Secret{}
	if err := p.reader.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrSecretNotFound, namespace, name)
		}
		p.logger.Error("failed to get secret",
			observability.String("namespace", namespace),
			observability.String("name", name),
			observability.Error(err),
		)
		return nil, fmt.Errorf("failed to get secret %s/%s: %w", namespace, name, err)
	}

	p.logger.Debug("retrieved kubernetes secret",
		observability.String("namespace", namespace),
		observability.String("name", name),
		observability.Int("keys", len(obj.Data)),
	)

	return &Secret{
		Name:      name,
		Namespace: namespace,
		Data:      obj.Data,
		Version:   obj.ResourceVersion,
	}, nil
}

// HealthCheck lists at most one secret in the default namespace.
func (p *KubernetesProvider) HealthCheck(ctx context.Context) (err error) {
	defer func() { recordHealth(p.Type(), err) }()

	list := &corev1.SecretList{}
	if err := p.reader.List(ctx, list, client.InNamespace(p.defaultNamespace), client.Limit(1)); err != nil {
		return fmt.Errorf("kubernetes secrets health check failed: %w", err)
	}
	return nil
}

// Close implements Provider.
func (p *KubernetesProvider) Close() error {
	return nil
}
