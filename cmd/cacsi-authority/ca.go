package main

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vyrodovalexey/cacsi/internal/authority"
	"github.com/vyrodovalexey/cacsi/internal/config"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/retry"
	"github.com/vyrodovalexey/cacsi/internal/secrets"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// kubeReaderFunc creates the Kubernetes client used by the kubernetes CA
// source. Tests replace it with a fake client.
type kubeReaderFunc func() (client.Reader, error)

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

// caRuntime owns the CA holder and the secret provider it was loaded from.
type caRuntime struct {
	cfg      *config.CAConfig
	holder   *authority.Holder
	provider secrets.Provider
	watcher  *config.Watcher
	logger   observability.Logger
}

// setupCA loads the CA key pair once from the configured source.
func setupCA(
	ctx context.Context,
	cfg *config.CAConfig,
	logger observability.Logger,
	newReader kubeReaderFunc,
) (*caRuntime, error) {
	rt := &caRuntime{cfg: cfg, logger: logger}

	if cfg.Source == config.CASourceSelfSigned {
		logger.Warn("using a generated self-signed CA, issued certificates will not verify after a restart")
		holder, err := authority.NewSelfSignedHolder(authority.SelfSignedConfig{
			CommonName:   cfg.SelfSigned.CommonName,
			Organization: cfg.SelfSigned.Organization,
			Validity:     cfg.SelfSigned.Validity.Duration(),
		}, authority.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed CA: %w", err)
		}
		rt.holder = holder
		return rt, nil
	}

	provider, err := newCAProvider(ctx, cfg, logger, newReader)
	if err != nil {
		return nil, err
	}
	rt.provider = provider

	certPEM, keyPEM, err := rt.load(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load CA from %s source: %w", cfg.Source, err)
	}

	holder, err := authority.NewHolder(certPEM, keyPEM, authority.WithLogger(logger))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("invalid CA material at %s: %w", rt.secretPath(), err)
	}
	rt.holder = holder

	logger.Info("certificate authority loaded",
		observability.String("source", cfg.Source),
		observability.String("path", rt.secretPath()),
	)
	return rt, nil
}

func newCAProvider(
	ctx context.Context,
	cfg *config.CAConfig,
	logger observability.Logger,
	newReader kubeReaderFunc,
) (secrets.Provider, error) {
	pc := &secrets.ProviderConfig{
		Type:          secrets.ProviderType(cfg.Source),
		Namespace:     cfg.SecretNamespace,
		LocalBasePath: cfg.LocalDirectory,
		EnvPrefix:     cfg.EnvPrefix,
		Vault:         cfg.Vault,
		VaultMount:    cfg.VaultMount,
		Logger:        logger,
	}
	if cfg.Source == config.CASourceKubernetes {
		reader, err := newReader()
		if err != nil {
			return nil, err
		}
		pc.KubeReader = reader
	}

	provider, err := secrets.NewProvider(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s secrets provider: %w", cfg.Source, err)
	}
	return provider, nil
}

func (rt *caRuntime) secretPath() string {
	if rt.cfg.Source == config.CASourceKubernetes {
		return rt.cfg.SecretNamespace + "/" + rt.cfg.SecretName
	}
	return rt.cfg.Path
}

func (rt *caRuntime) load(ctx context.Context) (certPEM, keyPEM []byte, err error) {
	return secrets.LoadCAMaterial(ctx, rt.provider, rt.secretPath(),
		rt.cfg.CertificateKey, rt.cfg.PrivateKeyKey,
		secrets.WithRetry(loadRetryConfig(rt.cfg.LoadRetry)),
		secrets.WithLoadLogger(rt.logger),
	)
}

// startWatch reloads the CA when the local source changes on disk.
func (rt *caRuntime) startWatch(ctx context.Context) error {
	if !rt.cfg.Watch {
		return nil
	}
	local, ok := rt.provider.(*secrets.LocalProvider)
	if !ok {
		return fmt.Errorf("ca.watch requires the local source, got %s", rt.cfg.Source)
	}
	dir, err := local.Dir(rt.cfg.Path)
	if err != nil {
		return err
	}

	w, err := config.NewWatcher(dir, func(string) { rt.reload(ctx) },
		config.WithDebounceDelay(config.DefaultCAReloadDebounce),
		config.WithLogger(rt.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to watch CA directory: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}
	rt.watcher = w
	return nil
}

// reload swaps the CA. A failed reload keeps the current key pair.
func (rt *caRuntime) reload(ctx context.Context) {
	certPEM, keyPEM, err := rt.load(ctx)
	if err != nil {
		rt.logger.Error("failed to reload CA, keeping the current one", observability.Error(err))
		return
	}
	if err := rt.holder.Reload(certPEM, keyPEM); err != nil {
		rt.logger.Error("rejected new CA material, keeping the current one", observability.Error(err))
	}
}

// Close stops watching and releases the provider.
func (rt *caRuntime) Close() {
	if rt.watcher != nil {
		if err := rt.watcher.Stop(); err != nil {
			rt.logger.Warn("failed to stop CA watcher", observability.Error(err))
		}
	}
	if rt.provider != nil {
		if err := rt.provider.Close(); err != nil {
			rt.logger.Warn("failed to close secrets provider", observability.Error(err))
		}
	}
}

func loadRetryConfig(cfg config.RetryConfig) *retry.Config {
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
