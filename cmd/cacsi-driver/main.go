// Package main is the entry point for cacsi-driver, the CSI node plugin
// that mounts per-pod certificates issued by cacsi-authority.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/vyrodovalexey/cacsi/internal/config"
	"github.com/vyrodovalexey/cacsi/internal/grpc/middleware"
	"github.com/vyrodovalexey/cacsi/internal/health"
	"github.com/vyrodovalexey/cacsi/internal/node/lifecycle"
	"github.com/vyrodovalexey/cacsi/internal/node/monitor"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/retry"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const componentName = "cacsi-driver"

// cliFlags holds the command line. Only flags set explicitly override the
// configuration file and the environment.
type cliFlags struct {
	configPath  string
	showVersion bool

	endpoint         string
	driverName       string
	nodeID           string
	authorityAddress string
	clusterDomain    string
	certBasePath     string
	adminAddress     string
	validityDays     int
	monitorInterval  time.Duration
	logLevel         string
	logFormat        string
	enableTracing    bool
	otlpEndpoint     string

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

	cfg, err := loadConfig(flags, os.LookupEnv, os.Hostname)
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

	logger.Info("starting cacsi driver",
		observability.String("version", version),
		observability.String("commit", gitCommit),
		observability.String("driver", cfg.DriverName),
		observability.String("node_id", cfg.NodeID),
		observability.String("endpoint", cfg.CSIEndpoint),
		observability.String("authority", cfg.Authority.Address),
	)

	if err := runDriver(ctx, cfg, logger, defaultKubeReader); err != nil {
		logger.Error("driver failed", observability.Error(err))
		return err
	}
	logger.Info("driver stopped")
	return nil
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet(componentName, flag.ContinueOnError)

	fs.StringVar(&f.configPath, "config", "", "Path to a YAML configuration file.")
	fs.BoolVar(&f.showVersion, "version", false, "Print the version and exit.")
	fs.StringVar(&f.endpoint, "endpoint", config.DefaultCSIEndpoint, "The CSI endpoint (unix:// or tcp://).")
	fs.StringVar(&f.driverName, "driver-name", config.DefaultDriverName, "The CSI driver name.")
	fs.StringVar(&f.nodeID, "node-id", "", "The node identifier. Defaults to the hostname.")
	fs.StringVar(&f.authorityAddress, "authority-address", config.DefaultAuthorityAddress,
		"The address of the cacsi authority.")
	fs.StringVar(&f.clusterDomain, "cluster-domain", config.DefaultClusterDomain,
		"The cluster DNS domain used by the default common name template.")
	fs.StringVar(&f.certBasePath, "cert-base-path", config.DefaultCertBasePath,
		"The node state directory. The authority CA bundle is kept here.")
	fs.StringVar(&f.adminAddress, "admin-address", config.DefaultDriverAdminAddress,
		"The address of the admin HTTP server (metrics, probes). Empty disables it.")
	fs.IntVar(&f.validityDays, "default-validity-days", config.DefaultValidityDays,
		"The validity of certificates for volumes without validity_days.")
	fs.DurationVar(&f.monitorInterval, "monitor-interval", config.DefaultMonitorInterval,
		"How often certificates are checked for renewal.")
	fs.StringVar(&f.logLevel, "log-level", "info", "The log level (debug, info, warn, error).")
	fs.StringVar(&f.logFormat, "log-format", "json", "The log format (json, console).")
	fs.BoolVar(&f.enableTracing, "enable-tracing", false, "Enable OpenTelemetry tracing.")
	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "The OTLP exporter endpoint (e.g., localhost:4317).")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply copies explicitly set flags into cfg.
func (f *cliFlags) apply(cfg *config.DriverConfig) {
	overrides := map[string]func(){
		"endpoint":              func() { cfg.CSIEndpoint = f.endpoint },
		"driver-name":           func() { cfg.DriverName = f.driverName },
		"node-id":               func() { cfg.NodeID = f.nodeID },
		"authority-address":     func() { cfg.Authority.Address = config.NormalizeAddress(f.authorityAddress) },
		"cluster-domain":        func() { cfg.ClusterDomain = f.clusterDomain },
		"cert-base-path":        func() { cfg.CertBasePath = f.certBasePath },
		"admin-address":         func() { cfg.AdminAddress = f.adminAddress },
		"default-validity-days": func() { cfg.DefaultValidityDays = f.validityDays },
		"monitor-interval":      func() { cfg.Monitor.Interval = config.Duration(f.monitorInterval) },
		"log-level":             func() { cfg.Logging.Level = f.logLevel },
		"log-format":            func() { cfg.Logging.Format = f.logFormat },
		"enable-tracing":        func() { cfg.Tracing.Enabled = f.enableTracing },
		"otlp-endpoint":         func() { cfg.Tracing.OTLPEndpoint = f.otlpEndpoint },
	}
	for name := range f.set {
		if override, ok := overrides[name]; ok {
			override()
		}
	}
}

// loadConfig layers defaults, the optional file, the environment and the
// explicitly set flags, defaults the node ID to the hostname and validates
// the result.
func loadConfig(f *cliFlags, lookup config.LookupFunc, hostname func() (string, error)) (*config.DriverConfig, error) {
	cfg := config.DefaultDriverConfig()
	if f.configPath != "" {
		loaded, err := config.LoadDriverConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	config.ApplyDriverEnv(cfg, lookup)
	f.apply(cfg)

	if cfg.NodeID == "" {
		name, err := hostname()
		if err != nil {
			return nil, fmt.Errorf("node ID not set and hostname unavailable: %w", err)
		}
		cfg.NodeID = name
	}

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
	lifecycle.InitMetrics(registerer)
	monitor.InitMetrics(registerer)
	middleware.InitGRPCMetrics(registerer)
	retry.InitMetrics(registerer)
	health.InitMetrics(registerer)
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
