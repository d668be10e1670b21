package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vyrodovalexey/cacsi/internal/admin"
	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/config"
	"github.com/vyrodovalexey/cacsi/internal/csi"
	"github.com/vyrodovalexey/cacsi/internal/health"
	"github.com/vyrodovalexey/cacsi/internal/node/binding"
	"github.com/vyrodovalexey/cacsi/internal/node/certfile"
	"github.com/vyrodovalexey/cacsi/internal/node/lifecycle"
	"github.com/vyrodovalexey/cacsi/internal/node/monitor"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/podinfo"
	"github.com/vyrodovalexey/cacsi/internal/retry"
	"github.com/vyrodovalexey/cacsi/internal/template"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// kubeReaderFunc creates the Kubernetes client used to read pods. Tests
// replace it with a fake client.
type kubeReaderFunc func() (client.Reader, error)

// defaultKubeReader returns an uncached client. The driver reads one pod per
// publish, so a cluster-wide pod informer on every node is not worth it.
func defaultKubeReader() (client.Reader, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return c, nil
}

// driverAuthority is the subset of the authority client the node uses.
type driverAuthority interface {
	lifecycle.Authority
	monitor.Renewer
}

// caWriter writes the CA bundle.
type caWriter interface {
	WriteCA(dir string, caPEM []byte) error
}

// caBundleAuthority keeps <certBasePath>/ca.crt in step with the CA that
// signed the most recent certificate.
type caBundleAuthority struct {
	next   driverAuthority
	files  caWriter
	dir    string
	logger observability.Logger
}

func newCABundleAuthority(
	next driverAuthority,
	files caWriter,
	dir string,
	logger observability.Logger,
) *caBundleAuthority {
	return &caBundleAuthority{next: next, files: files, dir: dir, logger: logger}
}

func (a *caBundleAuthority) Issue(
	ctx context.Context,
	req *authgrpc.IssueCertificateRequest,
) (*authgrpc.CertificateResponse, error) {
	resp, err := a.next.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	a.writeBundle(resp)
	return resp, nil
}

func (a *caBundleAuthority) Renew(ctx context.Context, id string) (*authgrpc.CertificateResponse, error) {
	resp, err := a.next.Renew(ctx, id)
	if err != nil {
		return nil, err
	}
	a.writeBundle(resp)
	return resp, nil
}

func (a *caBundleAuthority) Revoke(ctx context.Context, id string) error {
	return a.next.Revoke(ctx, id)
}

// writeBundle never fails the call; the pod already has its certificate.
func (a *caBundleAuthority) writeBundle(resp *authgrpc.CertificateResponse) {
	if a.dir == "" || resp.CACertificatePEM == "" {
		return
	}
	if err := a.files.WriteCA(a.dir, []byte(resp.CACertificatePEM)); err != nil {
		a.logger.Warn("failed to write CA bundle",
			observability.String("dir", a.dir),
			observability.Error(err),
		)
	}
}

// authorityClientConfig maps the driver configuration onto the gRPC client.
func authorityClientConfig(cfg *config.AuthorityClientConfig) authgrpc.ClientConfig {
	cc := authgrpc.ClientConfig{
		Address:          cfg.Address,
		CallTimeout:      cfg.CallTimeout.Duration(),
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout.Duration(),
		Retry:            clientRetryConfig(cfg.Retry),
	}
	if cfg.TLS != nil {
		cc.TLS = &authgrpc.ClientTLSConfig{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}
	}
	return cc
}

func clientRetryConfig(cfg config.RetryConfig) *retry.Config {
	rc := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		rc.InitialBackoff = cfg.InitialBackoff.Duration()
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxBackoff = cfg.MaxBackoff.Duration()
	}
	return rc
}

// node bundles the components of a running driver.
type node struct {
	table      *binding.Table
	controller *lifecycle.Controller
	monitor    *monitor.Monitor
	identity   *csi.IdentityServer
	nodeServer *csi.NodeServer
}

// buildNode wires the publish path and the renewal monitor around the
// given authority.
func buildNode(
	cfg *config.DriverConfig,
	authority driverAuthority,
	pods podinfo.Source,
	ready func() bool,
	tracer *observability.Tracer,
	logger observability.Logger,
) (*node, error) {
	resolver, err := template.NewResolver(cfg.ClusterDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster domain %q: %w", cfg.ClusterDomain, err)
	}

	table := binding.NewTable()
	files := certfile.NewWriter()
	wrapped := newCABundleAuthority(authority, files, cfg.CertBasePath, logger)

	controller := lifecycle.New(table, pods, resolver, wrapped, files,
		lifecycle.WithLogger(logger),
		lifecycle.WithTracer(tracer.Tracer()),
		lifecycle.WithDefaultValidityDays(cfg.DefaultValidityDays),
	)

	mon := monitor.New(table, wrapped, files,
		monitor.WithLogger(logger),
		monitor.WithInterval(cfg.Monitor.Interval.Duration()),
		monitor.WithThreshold(cfg.Monitor.Threshold),
		monitor.WithWarningWindow(cfg.Monitor.WarningWindow.Duration()),
	)

	return &node{
		table:      table,
		controller: controller,
		monitor:    mon,
		identity:   csi.NewIdentityServer(cfg.DriverName, version, ready),
		nodeServer: csi.NewNodeServer(cfg.NodeID, controller, logger),
	}, nil
}

// breakerStater reports the state of the authority client circuit breaker.
type breakerStater interface {
	BreakerState() gobreaker.State
}

// authorityCheck maps the breaker state onto readiness. A half-open breaker
// is probing the authority, so the node stays ready but degraded.
func authorityCheck(b breakerStater) health.CheckFunc {
	return func(context.Context) health.Check {
		switch state := b.BreakerState(); state {
		case gobreaker.StateClosed:
			return health.Check{Status: health.StatusHealthy}
		case gobreaker.StateHalfOpen:
			return health.Check{Status: health.StatusDegraded, Message: "authority circuit breaker is half-open"}
		default:
			return health.Check{Status: health.StatusUnhealthy, Message: "authority circuit breaker is " + state.String()}
		}
	}
}

func runDriver(
	ctx context.Context,
	cfg *config.DriverConfig,
	logger observability.Logger,
	newReader kubeReaderFunc,
) error {
	tracer, err := observability.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown tracer", observability.Error(err))
		}
	}()

	metrics := observability.NewMetrics(componentName)
	metrics.SetBuildInfo(componentName, version)
	initializeMetrics(metrics.Registry())

	reader, err := newReader()
	if err != nil {
		return err
	}
	pods, err := podinfo.NewKubernetesSource(reader, podinfo.WithLogger(logger))
	if err != nil {
		return err
	}

	authorityClient, err := authgrpc.NewClient(authorityClientConfig(&cfg.Authority),
		authgrpc.WithClientLogger(logger),
		authgrpc.WithClientPropagator(otel.GetTextMapPropagator()),
	)
	if err != nil {
		return fmt.Errorf("failed to create authority client: %w", err)
	}
	defer func() {
		if err := authorityClient.Close(); err != nil {
			logger.Warn("failed to close authority client", observability.Error(err))
		}
	}()

	n, err := buildNode(cfg, authorityClient, pods, authorityClient.Available, tracer, logger)
	if err != nil {
		return err
	}

	csiServer := csi.NewServer(csi.ServerConfig{
		Endpoint:          cfg.CSIEndpoint,
		MetricsRegisterer: metrics.Registry(),
	}, n.identity, n.nodeServer, logger)

	runners := []func(context.Context) error{csiServer.Start, n.monitor.Run}
	if cfg.AdminAddress != "" {
		checker := health.NewChecker(version, health.WithLogger(logger))
		checker.RegisterCheck("authority", authorityCheck(authorityClient))

		adminServer := admin.New(admin.Config{Address: cfg.AdminAddress},
			admin.WithLogger(logger),
			admin.WithMetrics(metrics.Handler()),
			admin.WithHealth(checker),
			admin.WithBindings(n.table),
		)
		runners = append(runners, adminServer.Run)
	}

	return runAll(ctx, runners...)
}
