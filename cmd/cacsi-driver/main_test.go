package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/config"
	"github.com/vyrodovalexey/cacsi/internal/health"
	"github.com/vyrodovalexey/cacsi/internal/node/certfile"
	"github.com/vyrodovalexey/cacsi/internal/node/lifecycle"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/podinfo"
)

func envMap(env map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func staticHostname(name string) func() (string, error) {
	return func() (string, error) { return name, nil }
}

type fakeAuthority struct {
	mu       sync.Mutex
	caPEM    string
	issueErr error
	revoked  []string
}

func (a *fakeAuthority) response(id string) *authgrpc.CertificateResponse {
	now := time.Now().UTC().Truncate(time.Second)
	return &authgrpc.CertificateResponse{
		CertificateID:    id,
		CertificatePEM:   "cert-" + id,
		PrivateKeyPEM:    "key-" + id,
		CACertificatePEM: a.caPEM,
		NotBefore:        now,
		NotAfter:         now.Add(24 * time.Hour),
	}
}

func (a *fakeAuthority) Issue(
	_ context.Context,
	req *authgrpc.IssueCertificateRequest,
) (*authgrpc.CertificateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.issueErr != nil {
		return nil, a.issueErr
	}
	return a.response(req.CertificateID), nil
}

func (a *fakeAuthority) Renew(_ context.Context, id string) (*authgrpc.CertificateResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.response(id), nil
}

func (a *fakeAuthority) Revoke(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked = append(a.revoked, id)
	return nil
}

type failingCAWriter struct{ calls int }

func (w *failingCAWriter) WriteCA(string, []byte) error {
	w.calls++
	return errors.New("read-only file system")
}

type fakePods map[string]*podinfo.Snapshot

func (p fakePods) Get(_ context.Context, namespace, name string) (*podinfo.Snapshot, error) {
	if snap, ok := p[namespace+"/"+name]; ok {
		return snap, nil
	}
	return nil, podinfo.ErrPodNotFound
}

func TestLoadConfig_Precedence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "driver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"nodeID: file-node\nauthority:\n  address: file-authority:50051\n"), 0o600))

	tests := []struct {
		name          string
		args          []string
		env           map[string]string
		wantNode      string
		wantAuthority string
	}{
		{
			name:          "file over defaults",
			args:          []string{"-config", path},
			wantNode:      "file-node",
			wantAuthority: "file-authority:50051",
		},
		{
			name:          "env over file",
			args:          []string{"-config", path},
			env:           map[string]string{"CERT_SERVICE_ADDR": "http://env-authority:50051"},
			wantNode:      "file-node",
			wantAuthority: "env-authority:50051",
		},
		{
			name:          "explicit flags over env",
			args:          []string{"-config", path, "-node-id", "flag-node", "-authority-address", "https://flag:443/"},
			env:           map[string]string{"NODE_ID": "env-node", "CERT_SERVICE_ADDR": "env-authority:50051"},
			wantNode:      "flag-node",
			wantAuthority: "flag:443",
		},
		{
			name:          "node ID defaults to the hostname",
			args:          nil,
			wantNode:      "worker-1",
			wantAuthority: config.DefaultAuthorityAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			flags, err := parseFlags(tt.args)
			require.NoError(t, err)
			cfg, err := loadConfig(flags, envMap(tt.env), staticHostname("worker-1"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantNode, cfg.NodeID)
			assert.Equal(t, tt.wantAuthority, cfg.Authority.Address)
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags(nil)
	require.NoError(t, err)
	_, err = loadConfig(flags, envMap(nil), func() (string, error) { return "", errors.New("no uts") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hostname")

	flags, err = parseFlags([]string{"-default-validity-days", "0"})
	require.NoError(t, err)
	_, err = loadConfig(flags, envMap(nil), staticHostname("worker-1"))
	assert.Error(t, err)

	_, err = parseFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestAuthorityClientConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultDriverConfig()
	cfg.Authority.Address = "authority:50051"
	cfg.Authority.Retry = config.RetryConfig{MaxRetries: 7}
	cfg.Authority.TLS = &config.ClientTLSConfig{CAFile: "/tls/ca.crt", ServerName: "authority"}

	cc := authorityClientConfig(&cfg.Authority)
	assert.Equal(t, "authority:50051", cc.Address)
	assert.Equal(t, cfg.Authority.CallTimeout.Duration(), cc.CallTimeout)
	require.NotNil(t, cc.Retry)
	assert.Equal(t, 7, cc.Retry.MaxRetries)
	require.NotNil(t, cc.TLS)
	assert.Equal(t, "/tls/ca.crt", cc.TLS.CAFile)
	assert.Equal(t, "authority", cc.TLS.ServerName)
	require.NoError(t, cc.Validate())

	cfg.Authority.TLS = nil
	assert.Nil(t, authorityClientConfig(&cfg.Authority).TLS)
}

func TestCABundleAuthority(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	next := &fakeAuthority{caPEM: "ca-one"}
	a := newCABundleAuthority(next, certfile.NewWriter(), dir, observability.NopLogger())

	_, err := a.Issue(context.Background(), &authgrpc.IssueCertificateRequest{CertificateID: "web.default.vol"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, certfile.CAFile))
	require.NoError(t, err)
	assert.Equal(t, "ca-one", string(data))

	next.caPEM = "ca-two"
	_, err = a.Renew(context.Background(), "web.default.vol")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, certfile.CAFile))
	require.NoError(t, err)
	assert.Equal(t, "ca-two", string(data))

	require.NoError(t, a.Revoke(context.Background(), "web.default.vol"))
	assert.Equal(t, []string{"web.default.vol"}, next.revoked)
}

func TestCABundleAuthority_WriteFailureDoesNotFailCall(t *testing.T) {
	t.Parallel()

	files := &failingCAWriter{}
	a := newCABundleAuthority(&fakeAuthority{caPEM: "ca"}, files, "/nonexistent", observability.NopLogger())

	resp, err := a.Issue(context.Background(), &authgrpc.IssueCertificateRequest{CertificateID: "id"})
	require.NoError(t, err)
	assert.Equal(t, "cert-id", resp.CertificatePEM)
	assert.Equal(t, 1, files.calls)

	failing := &fakeAuthority{issueErr: errors.New("unavailable")}
	a = newCABundleAuthority(failing, files, "/nonexistent", observability.NopLogger())
	_, err = a.Issue(context.Background(), &authgrpc.IssueCertificateRequest{CertificateID: "id"})
	assert.Error(t, err)
	assert.Equal(t, 1, files.calls, "no bundle write after a failed issue")
}

func TestBuildNode_PublishWritesFilesAndBundle(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	target := filepath.Join(base, "pods", "web", "cert")

	cfg := config.DefaultDriverConfig()
	cfg.NodeID = "worker-1"
	cfg.CertBasePath = filepath.Join(base, "state")
	require.NoError(t, os.MkdirAll(cfg.CertBasePath, 0o750))

	tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "test"})
	require.NoError(t, err)

	pods := fakePods{"default/web": {Name: "web", Namespace: "default", UID: "uid-1"}}
	n, err := buildNode(cfg, &fakeAuthority{caPEM: "bundle"}, pods, func() bool { return true },
		tracer, observability.NopLogger())
	require.NoError(t, err)

	b, err := n.controller.Publish(context.Background(), lifecycle.PublishRequest{
		VolumeID:     "vol-1",
		PodNamespace: "default",
		PodName:      "web",
		NodeID:       cfg.NodeID,
		TargetPath:   target,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n.table.Len())
	assert.Equal(t, b.CertificateID, n.table.List()[0].CertificateID)

	assert.True(t, certfile.Exists(target))
	bundle, err := os.ReadFile(filepath.Join(cfg.CertBasePath, certfile.CAFile))
	require.NoError(t, err)
	assert.Equal(t, "bundle", string(bundle))

	result, err := n.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
}

func TestBuildNode_InvalidClusterDomain(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultDriverConfig()
	cfg.NodeID = "worker-1"
	cfg.ClusterDomain = "corp}local"

	tracer, err := observability.NewTracer(observability.TracerConfig{ServiceName: "test"})
	require.NoError(t, err)

	n, err := buildNode(cfg, &fakeAuthority{}, fakePods{}, func() bool { return true },
		tracer, observability.NopLogger())
	require.Error(t, err)
	assert.Nil(t, n)
	assert.Contains(t, err.Error(), "cluster domain")
}

type fakeBreaker gobreaker.State

func (b fakeBreaker) BreakerState() gobreaker.State { return gobreaker.State(b) }

func TestAuthorityCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       gobreaker.State
		wantStatus  health.Status
		wantMessage string
	}{
		{name: "closed", state: gobreaker.StateClosed, wantStatus: health.StatusHealthy},
		{
			name:        "half-open",
			state:       gobreaker.StateHalfOpen,
			wantStatus:  health.StatusDegraded,
			wantMessage: "authority circuit breaker is half-open",
		},
		{
			name:        "open",
			state:       gobreaker.StateOpen,
			wantStatus:  health.StatusUnhealthy,
			wantMessage: "authority circuit breaker is open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			check := authorityCheck(fakeBreaker(tt.state))(context.Background())
			assert.Equal(t, tt.wantStatus, check.Status)
			assert.Equal(t, tt.wantMessage, check.Message)
		})
	}
}

func TestAuthorityCheck_NewClientIsReady(t *testing.T) {
	t.Parallel()

	c, err := authgrpc.NewClient(authgrpc.ClientConfig{Address: "127.0.0.1:1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
	assert.Equal(t, health.StatusHealthy, authorityCheck(c)(context.Background()).Status)
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
}
