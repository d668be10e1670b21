package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/vyrodovalexey/cacsi/internal/authority"
	"github.com/vyrodovalexey/cacsi/internal/config"
	"github.com/vyrodovalexey/cacsi/internal/observability"
)

func envMap(env map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func generateCA(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	certPEM, keyPEM, err := authority.GenerateSelfSignedCA(authority.SelfSignedConfig{
		CommonName: cn,
		Validity:   24 * time.Hour,
	})
	require.NoError(t, err)
	return certPEM, keyPEM
}

func TestLoadConfig_Precedence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "authority.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddress: \":6000\"\nadminAddress: \":6001\"\n"), 0o600))

	tests := []struct {
		name       string
		args       []string
		env        map[string]string
		wantListen string
		wantAdmin  string
	}{
		{
			name:       "file over defaults",
			args:       []string{"-config", path},
			wantListen: ":6000",
			wantAdmin:  ":6001",
		},
		{
			name:       "env over file",
			args:       []string{"-config", path},
			env:        map[string]string{"LISTEN_ADDR": ":7000"},
			wantListen: ":7000",
			wantAdmin:  ":6001",
		},
		{
			name:       "explicit flag over env",
			args:       []string{"-config", path, "-listen-address", ":8000"},
			env:        map[string]string{"LISTEN_ADDR": ":7000"},
			wantListen: ":8000",
			wantAdmin:  ":6001",
		},
		{
			name:       "flag defaults do not override",
			args:       nil,
			env:        map[string]string{"ADMIN_ADDR": ":9000"},
			wantListen: config.DefaultListenAddress,
			wantAdmin:  ":9000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			flags, err := parseFlags(tt.args)
			require.NoError(t, err)
			cfg, err := loadConfig(flags, envMap(tt.env))
			require.NoError(t, err)
			assert.Equal(t, tt.wantListen, cfg.ListenAddress)
			assert.Equal(t, tt.wantAdmin, cfg.AdminAddress)
		})
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{"-ca-source", "hsm"})
	require.NoError(t, err)
	_, err = loadConfig(flags, envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ca.source")

	_, err = parseFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestServerConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultAuthorityConfig()
	cfg.RateLimit.RPS = 0
	cfg.TLS = &config.ServerTLSConfig{CertFile: "/tls/tls.crt", KeyFile: "/tls/tls.key", ClientCAFile: "/tls/ca.crt"}

	sc := serverConfig(cfg, nil)
	assert.Equal(t, -1.0, sc.RateLimitRPS)
	require.NotNil(t, sc.TLS)
	assert.Equal(t, "/tls/ca.crt", sc.TLS.ClientCAFile)
	assert.Equal(t, config.DefaultGracefulShutdownTimeout, sc.GracefulShutdownTimeout)
}

func TestProbeAddress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "localhost:50051", probeAddress(":50051"))
	assert.Equal(t, "localhost:50051", probeAddress("0.0.0.0:50051"))
	assert.Equal(t, "10.0.0.1:50051", probeAddress("10.0.0.1:50051"))
	assert.Equal(t, "garbage", probeAddress("garbage"))
}

func TestSetupCA_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultAuthorityConfig().CA
	cfg.Source = config.CASourceSelfSigned

	rt, err := setupCA(context.Background(), &cfg, observability.NopLogger(), nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.provider)
	assert.Contains(t, string(rt.holder.CACertificatePEM()), "BEGIN CERTIFICATE")
}

func TestSetupCA_Kubernetes(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM := generateCA(t, "cluster CA")
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "csi-ca-secret", Namespace: "kube-system"},
		Data:       map[string][]byte{"tls.crt": certPEM, "tls.key": keyPEM},
	}
	reader := fake.NewClientBuilder().WithScheme(scheme).WithObjects(secret).Build()

	cfg := config.DefaultAuthorityConfig().CA
	rt, err := setupCA(context.Background(), &cfg, observability.NopLogger(),
		func() (client.Reader, error) { return reader, nil })
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "kube-system/csi-ca-secret", rt.secretPath())
	assert.Equal(t, certPEM, rt.holder.CACertificatePEM())
}

func TestSetupCA_Failures(t *testing.T) {
	t.Parallel()

	empty := fake.NewClientBuilder().WithScheme(scheme).Build()
	cfg := config.DefaultAuthorityConfig().CA

	_, err := setupCA(context.Background(), &cfg, observability.NopLogger(),
		func() (client.Reader, error) { return empty, nil })
	assert.Error(t, err, "missing secret")

	_, err = setupCA(context.Background(), &cfg, observability.NopLogger(),
		func() (client.Reader, error) { return nil, errors.New("no kubeconfig") })
	assert.Error(t, err)

	bad := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "csi-ca-secret", Namespace: "kube-system"},
		Data:       map[string][]byte{"tls.crt": []byte("junk"), "tls.key": []byte("junk")},
	}
	withBad := fake.NewClientBuilder().WithScheme(scheme).WithObjects(bad).Build()
	_, err = setupCA(context.Background(), &cfg, observability.NopLogger(),
		func() (client.Reader, error) { return withBad, nil })
	assert.Error(t, err, "invalid material")
}

func TestSetupCA_LocalWatchReloads(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dir := filepath.Join(base, "ca")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	writeCA := func(certPEM, keyPEM []byte) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tls.key"), keyPEM, 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tls.crt"), certPEM, 0o600))
	}
	firstCert, firstKey := generateCA(t, "first")
	writeCA(firstCert, firstKey)

	cfg := config.DefaultAuthorityConfig().CA
	cfg.Source = config.CASourceLocal
	cfg.LocalDirectory = base
	cfg.Path = "ca"
	cfg.Watch = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := setupCA(ctx, &cfg, observability.NopLogger(), nil)
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.startWatch(ctx))
	assert.Equal(t, firstCert, rt.holder.CACertificatePEM())

	secondCert, secondKey := generateCA(t, "second")
	writeCA(secondCert, secondKey)

	assert.Eventually(t, func() bool {
		return string(rt.holder.CACertificatePEM()) == string(secondCert)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSetupService_InvalidPolicy(t *testing.T) {
	t.Parallel()

	holder, err := authority.NewSelfSignedHolder(authority.SelfSignedConfig{})
	require.NoError(t, err)
	tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "test"})
	require.NoError(t, err)

	cfg := config.DefaultAuthorityConfig()
	cfg.Issuance.Policy = []config.PolicyRule{{Name: "broken", Expression: "request.common_name +"}}
	_, err = setupService(cfg, holder, tracer, observability.NopLogger())
	assert.Error(t, err)

	cfg.Issuance.Policy = nil
	svc, err := setupService(cfg, holder, tracer, observability.NopLogger())
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestRunAll(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	stopped := make(chan struct{})

	err := runAll(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
		func(context.Context) error { return boom },
	)
	assert.ErrorIs(t, err, boom)
	select {
	case <-stopped:
	default:
		t.Fatal("sibling runner was not stopped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, runAll(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
}
