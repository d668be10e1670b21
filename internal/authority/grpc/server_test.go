package grpc

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vyrodovalexey/cacsi/internal/authority"
	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/retry"
)

const bufSize = 1024 * 1024

type testEnv struct {
	holder *authority.Holder
	svc    *service.Service
	client *Client
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func startTestServer(t *testing.T, svcOpts ...service.Option) *testEnv {
	t.Helper()

	holder, err := authority.NewSelfSignedHolder(authority.SelfSignedConfig{CommonName: "test-ca"})
	require.NoError(t, err)
	svc := service.New(holder, svcOpts...)

	lis := bufconn.Listen(bufSize)
	srv := NewServer(ServerConfig{Address: "bufnet", RateLimitRPS: -1}, svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	client, err := NewClient(ClientConfig{Address: "passthrough:///bufnet", Retry: fastRetry()},
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return &testEnv{holder: holder, svc: svc, client: client}
}

func parseCert(t *testing.T, data string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(data))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestClientServer_Lifecycle(t *testing.T) {
	env := startTestServer(t)
	ctx := context.Background()

	issued, err := env.client.Issue(ctx, &IssueCertificateRequest{
		CertificateID:       "vol-1",
		CommonName:          "web.default.svc.cluster.local",
		DNSNames:            []string{"web.default.svc.cluster.local"},
		OrganizationalUnits: []string{"QA", "Release"},
		ValiditySeconds:     86400,
		Metadata:            map[string]string{"pod": "web"},
	})
	require.NoError(t, err)

	assert.Equal(t, "vol-1", issued.CertificateID)
	assert.Equal(t, string(env.holder.CACertificatePEM()), issued.CACertificatePEM)
	assert.NotEmpty(t, issued.PrivateKeyPEM)
	assert.Equal(t, 24*time.Hour, issued.NotAfter.Sub(issued.NotBefore))

	leaf := parseCert(t, issued.CertificatePEM)
	assert.Equal(t, "web.default.svc.cluster.local", leaf.Subject.CommonName)
	assert.Equal(t, []string{"QA", "Release"}, leaf.Subject.OrganizationalUnit)
	assert.Equal(t, issued.Serial, leaf.SerialNumber.String())
	_, err = leaf.Verify(x509.VerifyOptions{Roots: env.holder.CertPool(), KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	require.NoError(t, err)

	renewed, err := env.client.Renew(ctx, "vol-1")
	require.NoError(t, err)
	assert.NotEqual(t, issued.Serial, renewed.Serial)
	assert.Equal(t, "web.default.svc.cluster.local", parseCert(t, renewed.CertificatePEM).Subject.CommonName)

	info, err := env.client.GetCertificateInfo(ctx, "vol-1")
	require.NoError(t, err)
	assert.Equal(t, renewed.Serial, info.Serial)
	assert.Equal(t, 1, info.Renewals)
	assert.Equal(t, int64(86400), info.ValiditySeconds)
	assert.Equal(t, map[string]string{"pod": "web"}, info.Metadata)

	list, err := env.client.ListCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, env.client.Revoke(ctx, "vol-1"))
	_, err = env.client.GetCertificateInfo(ctx, "vol-1")
	assert.ErrorIs(t, err, service.ErrNotFound)

	require.NoError(t, env.client.Revoke(ctx, "vol-1"), "revoking an unknown certificate succeeds")
}

func TestClientServer_ErrorMapping(t *testing.T) {
	policy, err := service.NewPolicy([]service.PolicyRule{{
		Name:       "cluster-local",
		Expression: `request.common_name.endsWith(".cluster.local")`,
		Message:    "common name must be cluster local",
	}})
	require.NoError(t, err)

	env := startTestServer(t, service.WithPolicy(policy))
	ctx := context.Background()

	tests := []struct {
		name     string
		call     func() error
		wantErr  error
		wantCode codes.Code
	}{
		{
			name: "renew unknown",
			call: func() error {
				_, err := env.client.Renew(ctx, "missing")
				return err
			},
			wantErr:  service.ErrNotFound,
			wantCode: codes.NotFound,
		},
		{
			name: "invalid validity",
			call: func() error {
				_, err := env.client.Issue(ctx, &IssueCertificateRequest{
					CertificateID: "vol-2", CommonName: "a.cluster.local", ValiditySeconds: 0,
				})
				return err
			},
			wantErr:  service.ErrInvalidRequest,
			wantCode: codes.InvalidArgument,
		},
		{
			name: "policy denied",
			call: func() error {
				_, err := env.client.Issue(ctx, &IssueCertificateRequest{
					CertificateID: "vol-3", CommonName: "example.com", ValiditySeconds: 3600,
				})
				return err
			},
			wantErr:  service.ErrPolicyDenied,
			wantCode: codes.PermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCode, status.Code(err))

			var remote *RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, tt.wantCode, remote.Code)
		})
	}
}

func TestClient_BreakerOpensWhenAuthorityUnreachable(t *testing.T) {
	dialErr := errors.New("connection refused")
	client, err := NewClient(ClientConfig{
		Address:          "passthrough:///unreachable",
		Retry:            fastRetry(),
		CallTimeout:      time.Second,
		BreakerThreshold: 2,
		BreakerTimeout:   time.Minute,
	}, WithDialOptions(grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, dialErr
	})))
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.Available())

	for i := 0; i < 3; i++ {
		_, err = client.Renew(context.Background(), "vol-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	}

	assert.False(t, client.Available())
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config ClientConfig
	}{
		{name: "missing address", config: ClientConfig{}},
		{name: "cert without key", config: ClientConfig{Address: "x:1", TLS: &ClientTLSConfig{CertFile: "c.pem"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.config)
			assert.ErrorIs(t, err, ErrInvalidClientConfig)
		})
	}
}

func TestServer_ServeTwice(t *testing.T) {
	holder, err := authority.NewSelfSignedHolder(authority.SelfSignedConfig{CommonName: "test-ca"})
	require.NoError(t, err)
	srv := NewServer(ServerConfig{}, service.New(holder))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, bufconn.Listen(bufSize)) }()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.grpcServer != nil
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, srv.Serve(ctx, bufconn.Listen(bufSize)), ErrServerStarted)

	cancel()
	require.NoError(t, <-done)
	srv.Stop()
}
