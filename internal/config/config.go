// Package config defines the configuration of the cacsi authority and
// driver binaries and loads it from YAML files with environment variable
// substitution.
package config

import (
	"time"

	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/vault"
)

// CA sources.
const (
	CASourceKubernetes = "kubernetes"
	CASourceVault      = "vault"
	CASourceLocal      = "local"
	CASourceEnv        = "env"
	CASourceSelfSigned = "selfsigned"
)

// Authority defaults.
const (
	DefaultListenAddress           = ":50051"
	DefaultAuthorityAdminAddress   = ":8080"
	DefaultCASecretName            = "csi-ca-secret"
	DefaultCASecretNamespace       = "kube-system"
	DefaultCertificateKey          = "tls.crt"
	DefaultPrivateKeyKey           = "tls.key"
	DefaultMaxValidity             = 365 * 24 * time.Hour
	DefaultSelfSignedCommonName    = "cacsi development CA"
	DefaultSelfSignedValidity      = 10 * 365 * 24 * time.Hour
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultRateLimitRPS            = 50
	DefaultRateLimitBurst          = 100
	DefaultCAReloadDebounce        = 500 * time.Millisecond
)

// Driver defaults.
const (
	DefaultCSIEndpoint         = "unix:///csi/csi.sock"
	DefaultDriverName          = "csi.cacsi.k8s.io"
	DefaultAuthorityAddress    = "cacsi-service:50051"
	DefaultClusterDomain       = "cluster.local"
	DefaultCertBasePath        = "/var/lib/csi-certs"
	DefaultDriverAdminAddress  = ":8081"
	DefaultValidityDays        = 7
	DefaultCallTimeout         = 10 * time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultMonitorInterval     = 5 * time.Minute
	DefaultRenewThreshold      = 0.20
	DefaultExpiryWarningWindow = 48 * time.Hour
)

// AuthorityConfig is the configuration of the cacsi-authority binary.
type AuthorityConfig struct {
	// ListenAddress is the host:port of the gRPC authority service.
	ListenAddress string `yaml:"listenAddress" json:"listenAddress"`

	// AdminAddress is the host:port of the admin HTTP server. Empty disables it.
	AdminAddress string `yaml:"adminAddress" json:"adminAddress"`

	// TLS enables TLS on the gRPC server. Setting ClientCAFile requires client certificates.
	TLS *ServerTLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// CA selects where the CA key pair is loaded from.
	CA CAConfig `yaml:"ca" json:"ca"`

	// Issuance bounds what certificates the authority signs.
	Issuance IssuanceConfig `yaml:"issuance" json:"issuance"`

	// RateLimit throttles requests per client host. A negative RPS disables it.
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`

	// GracefulShutdownTimeout bounds draining of in-flight RPCs.
	GracefulShutdownTimeout Duration `yaml:"gracefulShutdownTimeout" json:"gracefulShutdownTimeout"`

	Logging observability.LogConfig    `yaml:"logging" json:"logging"`
	Tracing observability.TracerConfig `yaml:"tracing" json:"tracing"`
}

// ServerTLSConfig holds server certificate files.
type ServerTLSConfig struct {
	CertFile     string `yaml:"certFile" json:"certFile"`
	KeyFile      string `yaml:"keyFile" json:"keyFile"`
	ClientCAFile string `yaml:"clientCAFile,omitempty" json:"clientCAFile,omitempty"`
}

// CAConfig selects and locates the CA key pair.
type CAConfig struct {
	// Source is one of kubernetes, vault, local, env or selfsigned.
	Source string `yaml:"source" json:"source"`

	// SecretName and SecretNamespace locate the Kubernetes Secret.
	SecretName      string `yaml:"secretName" json:"secretName"`
	SecretNamespace string `yaml:"secretNamespace" json:"secretNamespace"`

	// Path is the secret path for the vault, local and env sources.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// CertificateKey and PrivateKeyKey name the PEM entries inside the secret.
	CertificateKey string `yaml:"certificateKey" json:"certificateKey"`
	PrivateKeyKey  string `yaml:"privateKeyKey" json:"privateKeyKey"`

	// LocalDirectory is the base directory of the local source.
	LocalDirectory string `yaml:"localDirectory,omitempty" json:"localDirectory,omitempty"`

	// Watch reloads the CA when the local source changes on disk.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty"`

	// EnvPrefix is the variable prefix of the env source.
	EnvPrefix string `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`

	// Vault configures the vault source.
	Vault *vault.Config `yaml:"vault,omitempty" json:"vault,omitempty"`

	// VaultMount is the KV v2 mount of the vault source.
	VaultMount string `yaml:"vaultMount,omitempty" json:"vaultMount,omitempty"`

	// SelfSigned configures the throwaway CA of the selfsigned source.
	SelfSigned SelfSignedConfig `yaml:"selfSigned,omitempty" json:"selfSigned,omitempty"`

	// LoadRetry bounds retries of the startup fetch.
	LoadRetry RetryConfig `yaml:"loadRetry,omitempty" json:"loadRetry,omitempty"`
}

// SelfSignedConfig configures a generated development CA.
type SelfSignedConfig struct {
	CommonName   string   `yaml:"commonName" json:"commonName"`
	Organization string   `yaml:"organization,omitempty" json:"organization,omitempty"`
	Validity     Duration `yaml:"validity" json:"validity"`
}

// IssuanceConfig bounds issued certificates.
type IssuanceConfig struct {
	// MaxValidity is the largest validity a caller may request.
	MaxValidity Duration `yaml:"maxValidity" json:"maxValidity"`

	// Policy rules are CEL expressions that must all hold for a request.
	Policy []PolicyRule `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// PolicyRule is a named CEL issuance rule.
type PolicyRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`
}

// RateLimitConfig is a token bucket per client host.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// RetryConfig is an exponential backoff policy.
type RetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
}

// DriverConfig is the configuration of the cacsi-driver binary.
type DriverConfig struct {
	// CSIEndpoint is the unix:// or tcp:// endpoint of the CSI gRPC server.
	CSIEndpoint string `yaml:"csiEndpoint" json:"csiEndpoint"`

	// DriverName is the CSI plugin name.
	DriverName string `yaml:"driverName" json:"driverName"`

	// NodeID identifies this node. Defaults to the hostname.
	NodeID string `yaml:"nodeID" json:"nodeID"`

	// ClusterDomain is used by the default common name template.
	ClusterDomain string `yaml:"clusterDomain" json:"clusterDomain"`

	// CertBasePath holds node-level state such as the CA bundle.
	CertBasePath string `yaml:"certBasePath" json:"certBasePath"`

	// AdminAddress is the host:port of the admin HTTP server. Empty disables it.
	AdminAddress string `yaml:"adminAddress" json:"adminAddress"`

	// DefaultValidityDays applies to volumes without validity_days.
	DefaultValidityDays int `yaml:"defaultValidityDays" json:"defaultValidityDays"`

	// Authority configures the client of the authority service.
	Authority AuthorityClientConfig `yaml:"authority" json:"authority"`

	// Monitor configures the renewal monitor.
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	Logging observability.LogConfig    `yaml:"logging" json:"logging"`
	Tracing observability.TracerConfig `yaml:"tracing" json:"tracing"`
}

// AuthorityClientConfig configures the connection to the authority.
type AuthorityClientConfig struct {
	Address          string           `yaml:"address" json:"address"`
	TLS              *ClientTLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
	CallTimeout      Duration         `yaml:"callTimeout" json:"callTimeout"`
	BreakerThreshold int              `yaml:"breakerThreshold" json:"breakerThreshold"`
	BreakerTimeout   Duration         `yaml:"breakerTimeout" json:"breakerTimeout"`
	Retry            RetryConfig      `yaml:"retry" json:"retry"`
}

// ClientTLSConfig holds client TLS files.
type ClientTLSConfig struct {
	CAFile             string `yaml:"caFile,omitempty" json:"caFile,omitempty"`
	CertFile           string `yaml:"certFile,omitempty" json:"certFile,omitempty"`
	KeyFile            string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
	ServerName         string `yaml:"serverName,omitempty" json:"serverName,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`
}

// MonitorConfig configures the renewal monitor.
type MonitorConfig struct {
	Interval      Duration `yaml:"interval" json:"interval"`
	Threshold     float64  `yaml:"threshold" json:"threshold"`
	WarningWindow Duration `yaml:"warningWindow" json:"warningWindow"`
}

// DefaultAuthorityConfig returns the authority configuration defaults.
func DefaultAuthorityConfig() *AuthorityConfig {
	return &AuthorityConfig{
		ListenAddress: DefaultListenAddress,
		AdminAddress:  DefaultAuthorityAdminAddress,
		CA: CAConfig{
			Source:          CASourceKubernetes,
			SecretName:      DefaultCASecretName,
			SecretNamespace: DefaultCASecretNamespace,
			CertificateKey:  DefaultCertificateKey,
			PrivateKeyKey:   DefaultPrivateKeyKey,
			SelfSigned: SelfSignedConfig{
				CommonName: DefaultSelfSignedCommonName,
				Validity:   Duration(DefaultSelfSignedValidity),
			},
		},
		Issuance:                IssuanceConfig{MaxValidity: Duration(DefaultMaxValidity)},
		RateLimit:               RateLimitConfig{RPS: DefaultRateLimitRPS, Burst: DefaultRateLimitBurst},
		GracefulShutdownTimeout: Duration(DefaultGracefulShutdownTimeout),
		Logging:                 observability.DefaultLogConfig(),
		Tracing:                 observability.TracerConfig{ServiceName: "cacsi-authority", SamplingRate: 1.0},
	}
}

// DefaultDriverConfig returns the driver configuration defaults.
func DefaultDriverConfig() *DriverConfig {
	return &DriverConfig{
		CSIEndpoint:         DefaultCSIEndpoint,
		DriverName:          DefaultDriverName,
		ClusterDomain:       DefaultClusterDomain,
		CertBasePath:        DefaultCertBasePath,
		AdminAddress:        DefaultDriverAdminAddress,
		DefaultValidityDays: DefaultValidityDays,
		Authority: AuthorityClientConfig{
			Address:          DefaultAuthorityAddress,
			CallTimeout:      Duration(DefaultCallTimeout),
			BreakerThreshold: DefaultBreakerThreshold,
			BreakerTimeout:   Duration(DefaultBreakerTimeout),
		},
		Monitor: MonitorConfig{
			Interval:      Duration(DefaultMonitorInterval),
			Threshold:     DefaultRenewThreshold,
			WarningWindow: Duration(DefaultExpiryWarningWindow),
		},
		Logging: observability.DefaultLogConfig(),
		Tracing: observability.TracerConfig{ServiceName: "cacsi-driver", SamplingRate: 1.0},
	}
}
