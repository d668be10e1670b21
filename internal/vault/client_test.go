package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s.test-token"

// fakeVault serves the handful of Vault endpoints the client uses.
type fakeVault struct {
	secrets     map[string]map[string]interface{}
	logins      atomic.Int32
	denyOnce    atomic.Bool
	loginToken  string
	sealed      bool
	initialized bool
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		secrets:     map[string]map[string]interface{}{},
		loginToken:  "s.login-token",
		initialized: true,
	}
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/v1/auth/token/lookup-self":
		if r.Header.Get("X-Vault-Token") != testToken {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"ttl":3600,"renewable":false}}`))
		return
	case "/v1/auth/kubernetes/login":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["role"] != "cacsi" || body["jwt"] != "sa-jwt" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":["invalid role or jwt"]}`))
			return
		}
		f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"auth": map[string]interface{}{"client_token": f.loginToken, "lease_duration": 600},
		})
		return
	case "/v1/sys/health":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"initialized": f.initialized,
			"sealed":      f.sealed,
			"version":     "1.15.0",
		})
		return
	}

	if f.denyOnce.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	data, ok := f.secrets[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{
			"data":     data,
			"metadata": map[string]interface{}{"version": 1},
		},
	})
}

func newTestServer(t *testing.T, f *fakeVault) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "token", cfg: Config{Address: "http://vault:8200", AuthMethod: AuthMethodToken, Token: "t"}},
		{
			name: "kubernetes",
			cfg: Config{
				Address: "http://vault:8200", AuthMethod: AuthMethodKubernetes,
				Kubernetes: &KubernetesAuthConfig{Role: "cacsi"},
			},
		},
		{name: "missing address", cfg: Config{AuthMethod: AuthMethodToken, Token: "t"}, wantErr: true},
		{name: "missing token", cfg: Config{Address: "http://vault:8200", AuthMethod: AuthMethodToken}, wantErr: true},
		{name: "missing role", cfg: Config{Address: "http://vault:8200", AuthMethod: AuthMethodKubernetes}, wantErr: true},
		{name: "unknown method", cfg: Config{Address: "http://vault:8200", AuthMethod: "approle"}, wantErr: true},
		{
			name: "half client cert",
			cfg: Config{
				Address: "http://vault:8200", AuthMethod: AuthMethodToken, Token: "t",
				TLS: &TLSConfig{ClientCert: "/tls/client.crt"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	var k *KubernetesAuthConfig
	assert.Equal(t, DefaultKubernetesMountPath, k.GetMountPath())
	assert.Equal(t, DefaultServiceAccountTokenPath, k.GetTokenPath())
	assert.Equal(t, DefaultTimeout, (&Config{}).GetTimeout())
	assert.True(t, AuthMethodKubernetes.IsValid())
	assert.False(t, AuthMethod("userpass").IsValid())
}

func TestClient_TokenAuthKV2Read(t *testing.T) {
	t.Parallel()

	f := newFakeVault()
	f.secrets["/v1/secret/data/cacsi/ca"] = map[string]interface{}{
		"tls.crt": "CERT",
		"tls.key": "KEY",
	}
	srv := newTestServer(t, f)

	c, err := New(&Config{Address: srv.URL, AuthMethod: AuthMethodToken, Token: testToken})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Authenticate(context.Background()))

	data, err := c.KV2Read(context.Background(), "", "/cacsi/ca")
	require.NoError(t, err)
	assert.Equal(t, "CERT", data["tls.crt"])
	assert.Equal(t, "KEY", data["tls.key"])

	_, err = c.KV2Read(context.Background(), "secret", "cacsi/missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.False(t, IsRetryable(err))
}

func TestClient_TokenAuthRejected(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeVault())

	c, err := New(&Config{Address: srv.URL, AuthMethod: AuthMethodToken, Token: "wrong"})
	require.NoError(t, err)

	err = c.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestClient_KubernetesAuthReloginOnDenied(t *testing.T) {
	t.Parallel()

	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("sa-jwt\n"), 0o600))

	f := newFakeVault()
	f.secrets["/v1/kv/data/ca"] = map[string]interface{}{"tls.crt": "CERT"}
	srv := newTestServer(t, f)

	c, err := New(&Config{
		Address:    srv.URL,
		AuthMethod: AuthMethodKubernetes,
		Kubernetes: &KubernetesAuthConfig{Role: "cacsi", TokenPath: tokenFile},
	})
	require.NoError(t, err)

	// first read logs in lazily
	data, err := c.KV2Read(context.Background(), "kv", "ca")
	require.NoError(t, err)
	assert.Equal(t, "CERT", data["tls.crt"])
	assert.Equal(t, int32(1), f.logins.Load())

	f.denyOnce.Store(true)
	data, err = c.KV2Read(context.Background(), "kv", "ca")
	require.NoError(t, err)
	assert.Equal(t, "CERT", data["tls.crt"])
	assert.Equal(t, int32(2), f.logins.Load())
}

func TestClient_KubernetesAuthMissingToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeVault())

	c, err := New(&Config{
		Address:    srv.URL,
		AuthMethod: AuthMethodKubernetes,
		Kubernetes: &KubernetesAuthConfig{Role: "cacsi", TokenPath: filepath.Join(t.TempDir(), "absent")},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Authenticate(context.Background()), ErrAuthenticationFailed)
}

func TestClient_Health(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		sealed      bool
		initialized bool
		wantErr     bool
	}{
		{name: "healthy", initialized: true},
		{name: "sealed", initialized: true, sealed: true, wantErr: true},
		{name: "uninitialized", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFakeVault()
			f.sealed = tt.sealed
			f.initialized = tt.initialized
			srv := newTestServer(t, f)

			c, err := New(&Config{Address: srv.URL, AuthMethod: AuthMethodToken, Token: testToken})
			require.NoError(t, err)

			err = c.Health(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnhealthy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_Closed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeVault())

	c, err := New(&Config{Address: srv.URL, AuthMethod: AuthMethodToken, Token: testToken})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Authenticate(context.Background()), ErrClientClosed)
	_, err = c.KV2Read(context.Background(), "", "ca")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.False(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(&VaultError{Op: "read", Code: 503, Err: assert.AnError}))
	assert.True(t, IsRetryable(&VaultError{Op: "read", Code: 429, Err: assert.AnError}))
	assert.True(t, IsRetryable(&VaultError{Op: "read", Err: assert.AnError}))
	assert.False(t, IsRetryable(&VaultError{Op: "read", Code: 403, Err: assert.AnError}))
	assert.False(t, IsRetryable(assert.AnError))
}
