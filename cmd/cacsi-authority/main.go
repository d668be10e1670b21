// Package main is the entry point for cacsi-authority, the certificate
// authority service that signs pod certificates for the cacsi node driver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/vyrodovalexey/cacsi/internal/admin"
	"github.com/vyrodovalexey/cacsi/internal/authority"
	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/authority/service"
	"github.com/vyrodovalexey/cacsi/internal/config"
	"github.com/vyrodovalexey/cacsi/internal/grpc/middleware"
	"github.com/vyrodovalexey/cacsi/internal/health"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/retry"
	"github.com/vyrodovalexey/cacsi/internal/secrets"
	"github.com/vyrodovalexey/cacsi/internal/vault"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const componentName = "cacsi-authority"

// cliFlags holds the command line. Only flags set explicitly override the
// configuration file and the environment.
type cliFlags struct {
	configPath  string
	showVersion bool

	listenAddress   string
	adminAddress    string
	caSource        string
	caSecretName    string
	caSecretNS      string
	caLocalDir      string
	logLevel        string
	logFormat       string
	enableTracing   bool
	otlpEndpoint    string
	maxValidity     time.Duration
	gracefulTimeout time.Duration

	set map[string]bool
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", componentName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if flags.showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", componentName, version, gitCommit, buildTime)
		return nil
	}

	cfg, err := loadConfig(flags, os.LookupEnv)
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	setupSignalHandler(cancel, logger)

	logger.Info("starting cacsi authority",
		observability.String("version", version),
		observability.String("commit", gitCommit),
		observability.String("listen_address", cfg.ListenAddress),
		observability.String("ca_source", cfg.CA.Source),
	)

	if err := runAuthority(ctx, cfg, logger); err != nil {
		logger.Error("authority failed", observability.Error(err))
		return err
	}
	logger.Info("authority stopped")
	return nil
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet(componentName, flag.ContinueOnError)

	fs.StringVar(&f.configPath, "config", "", "Path to a YAML configuration file.")
	fs.BoolVar(&f.showVersion, "version", false, "Print the version and exit.")
	fs.StringVar(&f.listenAddress, "listen-address", config.DefaultListenAddress,
		"The address the authority gRPC server binds to.")
	fs.StringVar(&f.adminAddress, "admin-address", config.DefaultAuthorityAdminAddress,
		"The address of the admin HTTP server (metrics, probes). Empty disables it.")
	fs.StringVar(&f.caSource, "ca-source", config.CASourceKubernetes,
		"Where the CA key pair is loaded from (kubernetes, vault, local, env, selfsigned).")
	fs.StringVar(&f.caSecretName, "ca-secret-name", config.DefaultCASecretName,
		"The name of the Kubernetes Secret holding the CA.")
	fs.StringVar(&f.caSecretNS, "ca-secret-namespace", config.DefaultCASecretNamespace,
		"The namespace of the Kubernetes Secret holding the CA.")
	fs.StringVar(&f.caLocalDir, "ca-local-dir", "",
		"The base directory of the local CA source.")
	fs.StringVar(&f.logLevel, "log-level", "info", "The log level (debug, info, warn, error).")
	fs.StringVar(&f.logFormat, "log-format", "json", "The log format (json, console).")
	fs.BoolVar(&f.enableTracing, "enable-tracing", false, "Enable OpenTelemetry tracing.")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "The OTLP exporter endpoint (e.g., localhost:4317).")
	fs.DurationVar(&f.maxValidity, "max-validity", config.DefaultMaxValidity,
		"The largest certificate validity a caller may request.")
	fs.DurationVar(&f.gracefulTimeout, "graceful-shutdown-timeout", config.DefaultGracefulShutdownTimeout,
		"How long to wait for in-flight requests on shutdown.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply copies explicitly set flags into cfg.
func (f *cliFlags) apply(cfg *config.AuthorityConfig) {
	overrides := map[string]func(){
		"listen-address":      func() { cfg.ListenAddress = f.listenAddress },
		"admin-address":       func() { cfg.AdminAddress = f.adminAddress },
		"ca-source":           func() { cfg.CA.Source = f.caSource },
		"ca-secret-name":      func() { cfg.CA.SecretName = f.caSecretName },
		"ca-secret-namespace": func() { cfg.CA.SecretNamespace = f.caSecretNS },
		"ca-local-dir":        func() { cfg.CA.LocalDirectory = f.caLocalDir },
		"log-level":           func() { cfg.Logging.Level = f.logLevel },
		"log-format":          func() { cfg.Logging.Format = f.logFormat },
		"enable-tracing":      func() { cfg.Tracing.Enabled = f.enableTracing },
		"otlp-endpoint":       func() { cfg.Tracing.OTLPEndpoint = f.otlpEndpoint },
		"max-validity":        func() { cfg.Issuance.MaxValidity = config.Duration(f.maxValidity) },
		"graceful-shutdown-timeout": func() {
			cfg.GracefulShutdownTimeout = config.Duration(f.gracefulTimeout)
		},
	}
	for name := range f.set {
		if override, ok := overrides[name]; ok {
			override()
		}
	}
}

// loadConfig layers defaults, the optional file, the environment and the
// explicitly set flags, in that order, and validates the result.
func loadConfig(f *cliFlags, lookup config.LookupFunc) (*config.AuthorityConfig, error) {
	cfg := config.DefaultAuthorityConfig()
	if f.configPath != "" {
		loaded, err := config.LoadAuthorityConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	config.ApplyAuthorityEnv(cfg, lookup)
	f.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger builds the zap logger and routes controller-runtime and
// client-go logs through the same encoder.
func setupLogger(cfg observability.LogConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logrLogger, err := observability.NewLogrLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logr logger: %w", err)
	}
	ctrl.SetLogger(logrLogger)
	observability.SetGlobalLogger(logger)
	return logger, nil
}

func setupSignalHandler(cancel context.CancelFunc, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", observability.String("signal", sig.String()))
		cancel()

		sig = <-sigCh
		logger.Info("received second signal, forcing shutdown", observability.String("signal", sig.String()))
		os.Exit(1)
	}()
}

// initializeMetrics registers the metrics of every package on registerer so
// they appear on the admin /metrics endpoint.
func initializeMetrics(registerer prometheus.Registerer) {
	authority.InitMetrics(registerer)
	service.InitMetrics(registerer)
	middleware.InitGRPCMetrics(registerer)
	secrets.InitMetrics(registerer)
	vault.InitMetrics(registerer)
	retry.InitMetrics(registerer)
	health.InitMetrics(registerer)
}

func runAuthority(ctx context.Context, cfg *config.AuthorityConfig, logger observability.Logger) error {
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

	ca, err := setupCA(ctx, &cfg.CA, logger, defaultKubeReader)
	if err != nil {
		return err
	}
	defer ca.Close()

	svc, err := setupService(cfg, ca.holder, tracer, logger)
	if err != nil {
		return err
	}

	server := authgrpc.NewServer(serverConfig(cfg, metrics.Registry()), svc,
		authgrpc.WithServerLogger(logger),
		authgrpc.WithServerTracing(&middleware.TracingConfig{
			Tracer:     tracer.Tracer(),
			Propagator: otel.GetTextMapPropagator(),
		}),
	)

	checker := health.NewChecker(version, health.WithLogger(logger))
	checker.RegisterCheck("grpc", health.TCPCheck(probeAddress(cfg.ListenAddress), time.Second))
	if ca.provider != nil {
		// The CA is already in memory, so an unreachable source only degrades.
		checker.RegisterCheck("ca-source", health.CachedCheck(
			health.ErrorCheck(ca.provider.HealthCheck, true), 30*time.Second))
	}

	if err := ca.startWatch(ctx); err != nil {
		return err
	}

	runners := []func(context.Context) error{server.Start}
	if cfg.AdminAddress != "" {
		adminServer := admin.New(admin.Config{Address: cfg.AdminAddress},
			admin.WithLogger(logger),
			admin.WithMetrics(metrics.Handler()),
			admin.WithHealth(checker),
			admin.WithCertificates(svc),
		)
		runners = append(runners, adminServer.Run)
	}

	return runAll(ctx, runners...)
}

func setupService(
	cfg *config.AuthorityConfig,
	holder *authority.Holder,
	tracer *observability.Tracer,
	logger observability.Logger,
) (*service.Service, error) {
	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMaxValidity(cfg.Issuance.MaxValidity.Duration()),
		service.WithTracer(tracer.Tracer()),
	}

	if len(cfg.Issuance.Policy) > 0 {
		rules := make([]service.PolicyRule, 0, len(cfg.Issuance.Policy))
		for _, r := range cfg.Issuance.Policy {
			rules = append(rules, service.PolicyRule{Name: r.Name, Expression: r.Expression, Message: r.Message})
		}
		policy, err := service.NewPolicy(rules, service.WithPolicyLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("invalid issuance policy: %w", err)
		}
		opts = append(opts, service.WithPolicy(policy))
		logger.Info("issuance policy loaded", observability.Int("rules", policy.Len()))
	}

	return service.New(holder, opts...), nil
}

func serverConfig(cfg *config.AuthorityConfig, registerer prometheus.Registerer) authgrpc.ServerConfig {
	sc := authgrpc.ServerConfig{
		Address:                 cfg.ListenAddress,
		MetricsRegisterer:       registerer,
		RateLimitRPS:            cfg.RateLimit.RPS,
		RateLimitBurst:          cfg.RateLimit.Burst,
		GracefulShutdownTimeout: cfg.GracefulShutdownTimeout.Duration(),
	}
	if cfg.RateLimit.RPS == 0 {
		// The server reads zero as unset.
		sc.RateLimitRPS = -1
	}
	if cfg.TLS != nil {
		sc.TLS = &authgrpc.TLSConfig{
			CertFile:     cfg.TLS.CertFile,
			KeyFile:      cfg.TLS.KeyFile,
			ClientCAFile: cfg.TLS.ClientCAFile,
		}
	}
	return sc
}

// probeAddress turns a listen address into a dialable one.
func probeAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// runAll runs every runner until ctx is canceled or one of them fails, then
// cancels the rest and waits for them.
func runAll(ctx context.Context, runners ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(runners))
	for _, r := range runners {
		go func(r func(context.Context) error) {
			err := r(ctx)
			if err != nil {
				cancel()
			}
			errCh <- err
		}(r)
	}

	var errs []error
	for range runners {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
