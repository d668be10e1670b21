// Package secrets provides a unified interface for reading secrets from
// Kubernetes Secrets, Vault KV v2, local files and environment variables.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeKubernetes uses Kubernetes Secrets as the backend.
	ProviderTypeKubernetes ProviderType = "kubernetes"
	// ProviderTypeVault uses HashiCorp Vault KV v2 as the backend.
	ProviderTypeVault ProviderType = "vault"
	// ProviderTypeLocal uses local files as the backend.
	ProviderTypeLocal ProviderType = "local"
	// ProviderTypeEnv uses environment variables as the backend.
	ProviderTypeEnv ProviderType = "env"
)

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret is not found.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrKeyNotFound is returned when a secret lacks a requested key.
	ErrKeyNotFound = errors.New("secret key not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidPath is returned when the secret path is invalid.
	ErrInvalidPath = errors.New("invalid secret path")
	// ErrInvalidProviderType is returned when an unknown provider type is specified.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Secret represents a secret with key-value data.
type Secret struct {
	// Name is the name of the secret.
	Name string
	// Namespace is the namespace of the secret, if applicable.
	Namespace string
	// Data contains the secret key-value pairs.
	Data map[string][]byte
	// Version is the version of the secret, if supported by the provider.
	Version string
}

// GetBytes returns a value from the secret data.
func (s *Secret) GetBytes(key string) ([]byte, bool) {
	if s == nil || s.Data == nil {
		return nil, false
	}
	v, ok := s.Data[key]
	return v, ok
}

// Provider is the interface for secrets providers.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a secret by path. The path format depends on the
	// provider:
	//   - kubernetes: "namespace/secret-name" or "secret-name"
	//   - vault: "path/to/secret" relative to the KV v2 mount
	//   - local: "secret-name" under the base directory, "." for the base directory itself
	//   - env: "SECRET_NAME" mapped to the prefixed environment variable
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// HealthCheck returns nil if the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// ValidateProviderType validates that the given string is a valid provider type.
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeKubernetes, ProviderTypeVault, ProviderTypeLocal, ProviderTypeEnv:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: kubernetes, vault, local, env",
			ErrInvalidProviderType, providerType)
	}
}

var (
	defaultSecretsMetrics     *secretsMetrics
	defaultSecretsMetricsOnce sync.Once
)

type secretsMetrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	healthy  *prometheus.GaugeVec
}

// InitMetrics registers the secrets metrics with registerer. If registerer
// is nil the default registerer is used. Later calls are no-ops.
func InitMetrics(registerer prometheus.Registerer) {
	defaultSecretsMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		defaultSecretsMetrics = newSecretsMetricsWithFactory(promauto.With(registerer))
	})
}

func getSecretsMetrics() *secretsMetrics {
	InitMetrics(nil)
	return defaultSecretsMetrics
}

func newSecretsMetricsWithFactory(factory promauto.Factory) *secretsMetrics {
	return &secretsMetrics{
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cacsi",
				Subsystem: "secrets",
				Name:      "operation_duration_seconds",
				Help:      "Duration of secrets provider operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation", "result"},
		),
		total: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cacsi",
				Subsystem: "secrets",
				Name:      "operation_total",
				Help:      "Total number of secrets provider operations",
			},
			[]string{"provider", "operation", "result"},
		),
		healthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cacsi",
				Subsystem: "secrets",
				Name:      "provider_healthy",
				Help:      "Whether the secrets provider is healthy (1) or not (0)",
			},
			[]string{"provider"},
		),
	}
}

// recordOperation records metrics for a secrets provider operation.
func recordOperation(provider ProviderType, operation string, start time.Time, err error) {
	result := "success"
	switch {
	case errors.Is(err, ErrSecretNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	m := getSecretsMetrics()
	m.duration.WithLabelValues(string(provider), operation, result).Observe(time.Since(start).Seconds())
	m.total.WithLabelValues(string(provider), operation, result).Inc()
}

// recordHealth records the health status of a provider.
func recordHealth(provider ProviderType, err error) {
	value := 1.0
	if err != nil {
		value = 0
	}
	getSecretsMetrics().healthy.WithLabelValues(string(provider)).Set(value)
}
