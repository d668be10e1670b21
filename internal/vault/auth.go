package vault

import (
	"context"
	"fmt"
	"os"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// Authenticator logs in to Vault and returns the auth secret.
type Authenticator interface {
	Authenticate(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error)
	Name() string
}

// KubernetesAuth logs in with the pod's ServiceAccount token.
type KubernetesAuth struct {
	role      string
	mountPath string
	tokenPath string
}

// NewKubernetesAuth creates a Kubernetes authenticator.
func NewKubernetesAuth(cfg *KubernetesAuthConfig) (*KubernetesAuth, error) {
	if cfg == nil || cfg.Role == "" {
		return nil, NewConfigurationError("kubernetes.role", "role is required")
	}
	return &KubernetesAuth{
		role:      cfg.Role,
		mountPath: cfg.GetMountPath(),
		tokenPath: cfg.GetTokenPath(),
	}, nil
}

// Authenticate implements Authenticator.
func (a *KubernetesAuth) Authenticate(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kubernetes auth failed: %w", err)
	}

	jwt, err := os.ReadFile(a.tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account token: %w", err)
	}

	path := fmt.Sprintf("auth/%s/login", strings.Trim(a.mountPath, "/"))
	secret, err := client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"role": a.role,
		"jwt":  strings.TrimSpace(string(jwt)),
	})
	if err != nil {
		return nil, NewVaultError("login", path, err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, fmt.Errorf("%w: kubernetes login returned no token", ErrAuthenticationFailed)
	}

	return secret, nil
}

// Name implements Authenticator.
func (a *KubernetesAuth) Name() string {
	return string(AuthMethodKubernetes)
}

// TokenAuth uses a static token and verifies it with lookup-self.
type TokenAuth struct {
	token string
}

// NewTokenAuth creates a token authenticator.
func NewTokenAuth(token string) (*TokenAuth, error) {
	if token == "" {
		return nil, NewConfigurationError("token", "token is required")
	}
	return &TokenAuth{token: token}, nil
}

// Authenticate implements Authenticator.
func (a *TokenAuth) Authenticate(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	client.SetToken(a.token)

	if _, err := client.Auth().Token().LookupSelfWithContext(ctx); err != nil {
		return nil, NewVaultError("lookup-self", "auth/token/lookup-self", err)
	}

	return &vaultapi.Secret{
		Auth: &vaultapi.SecretAuth{ClientToken: a.token},
	}, nil
}

// Name implements Authenticator.
func (a *TokenAuth) Name() string {
	return string(AuthMethodToken)
}

// NewAuthenticator returns the authenticator selected by cfg.
func NewAuthenticator(cfg *Config) (Authenticator, error) {
	switch cfg.AuthMethod {
	case AuthMethodToken:
		return NewTokenAuth(cfg.Token)
	case AuthMethodKubernetes:
		return NewKubernetesAuth(cfg.Kubernetes)
	default:
		return nil, NewConfigurationError("authMethod", fmt.Sprintf("unsupported auth method %q", cfg.AuthMethod))
	}
}
