package vault

import (
	"fmt"
	"time"
)

// AuthMethod specifies the Vault authentication method.
type AuthMethod string

// Authentication method constants.
const (
	// AuthMethodToken uses a static token.
	AuthMethodToken AuthMethod = "token"

	// AuthMethodKubernetes logs in with the pod's ServiceAccount JWT.
	AuthMethodKubernetes AuthMethod = "kubernetes"
)

const (
	// DefaultServiceAccountTokenPath is the projected ServiceAccount token path.
	//nolint:gosec // G101: standard Kubernetes path, not a credential
	DefaultServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// DefaultKubernetesMountPath is the default mount path of the Kubernetes auth method.
	DefaultKubernetesMountPath = "kubernetes"

	// DefaultKV2Mount is the default mount of the KV v2 engine.
	DefaultKV2Mount = "secret"

	// DefaultTimeout bounds a single Vault HTTP request.
	DefaultTimeout = 30 * time.Second
)

// String returns the string representation of the auth method.
func (m AuthMethod) String() string {
	return string(m)
}

// IsValid returns true if the auth method is supported.
func (m AuthMethod) IsValid() bool {
	switch m {
	case AuthMethodToken, AuthMethodKubernetes:
		return true
	default:
		return false
	}
}

// Config represents Vault client configuration.
type Config struct {
	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Namespace is the Vault namespace (Enterprise feature).
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// AuthMethod specifies the authentication method.
	AuthMethod AuthMethod `yaml:"authMethod" json:"authMethod"`

	// Token for token authentication.
	Token string `yaml:"token,omitempty" json:"-"`

	// Kubernetes auth configuration.
	Kubernetes *KubernetesAuthConfig `yaml:"kubernetes,omitempty" json:"kubernetes,omitempty"`

	// TLS configuration for the Vault connection.
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// KubernetesAuthConfig configures Kubernetes authentication.
type KubernetesAuthConfig struct {
	// Role is the Vault role to authenticate as.
	Role string `yaml:"role" json:"role"`

	// MountPath is the mount path of the auth method. Defaults to "kubernetes".
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`

	// TokenPath is the ServiceAccount token file.
	TokenPath string `yaml:"tokenPath,omitempty" json:"tokenPath,omitempty"`
}

// TLSConfig configures TLS for the Vault connection.
type TLSConfig struct {
	CACert     string `yaml:"caCert,omitempty" json:"caCert,omitempty"`
	ClientCert string `yaml:"clientCert,omitempty" json:"clientCert,omitempty"`
	ClientKey  string `yaml:"clientKey,omitempty" json:"clientKey,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return NewConfigurationError("address", "address is required")
	}

	switch c.AuthMethod {
	case AuthMethodToken:
		if c.Token == "" {
			return NewConfigurationError("token", "token is required for token authentication")
		}
	case AuthMethodKubernetes:
		if c.Kubernetes == nil || c.Kubernetes.Role == "" {
			return NewConfigurationError("kubernetes.role", "role is required for kubernetes authentication")
		}
	default:
		return NewConfigurationError("authMethod", fmt.Sprintf("unsupported auth method %q", c.AuthMethod))
	}

	if c.Timeout < 0 {
		return NewConfigurationError("timeout", "timeout must not be negative")
	}

	if c.TLS != nil && (c.TLS.ClientCert == "") != (c.TLS.ClientKey == "") {
		return NewConfigurationError("tls", "clientCert and clientKey must be set together")
	}

	return nil
}

// GetTimeout returns the request timeout or its default.
func (c *Config) GetTimeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// GetMountPath returns the mount path or its default.
func (c *KubernetesAuthConfig) GetMountPath() string {
	if c == nil || c.MountPath == "" {
		return DefaultKubernetesMountPath
	}
	return c.MountPath
}

// GetTokenPath returns the token path or its default.
func (c *KubernetesAuthConfig) GetTokenPath() string {
	if c == nil || c.TokenPath == "" {
		return DefaultServiceAccountTokenPath
	}
	return c.TokenPath
}
