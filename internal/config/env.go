package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/vault"
)

// LookupFunc looks up an environment variable.
type LookupFunc func(string) (string, bool)

// ApplyAuthorityEnv overrides cfg from environment variables. A nil lookup
// reads the process environment.
func ApplyAuthorityEnv(cfg *AuthorityConfig, lookup LookupFunc) {
	e := envReader(lookup)

	e.applyString(&cfg.ListenAddress, "LISTEN_ADDR")
	e.applyString(&cfg.AdminAddress, "ADMIN_ADDR")
	e.applyString(&cfg.CA.Source, "CA_SOURCE")
	e.applyString(&cfg.CA.SecretName, "CA_SECRET_NAME")
	e.applyString(&cfg.CA.SecretNamespace, "CA_SECRET_NAMESPACE")
	e.applyString(&cfg.CA.Path, "CA_SECRET_PATH")
	e.applyString(&cfg.CA.LocalDirectory, "CA_LOCAL_DIR")
	e.applyBool(&cfg.CA.Watch, "CA_WATCH")
	e.applyString(&cfg.CA.VaultMount, "VAULT_KV_MOUNT")
	e.applyDuration(&cfg.Issuance.MaxValidity, "MAX_VALIDITY")
	e.applyFloat64(&cfg.RateLimit.RPS, "RATE_LIMIT_RPS")
	e.applyInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST")

	if addr, ok := e.get("VAULT_ADDR"); ok {
		if cfg.CA.Vault == nil {
			cfg.CA.Vault = &vault.Config{AuthMethod: vault.AuthMethodKubernetes}
		}
		cfg.CA.Vault.Address = addr
	}
	if cfg.CA.Vault != nil {
		if role, ok := e.get("VAULT_ROLE"); ok {
			if cfg.CA.Vault.Kubernetes == nil {
				cfg.CA.Vault.Kubernetes = &vault.KubernetesAuthConfig{}
			}
			cfg.CA.Vault.Kubernetes.Role = role
		}
		if token, ok := e.get("VAULT_TOKEN"); ok {
			cfg.CA.Vault.AuthMethod = vault.AuthMethodToken
			cfg.CA.Vault.Token = token
		}
	}

	e.applyLoggingAndTracing(&cfg.Logging.Level, &cfg.Logging.Format, &cfg.Tracing.Enabled, &cfg.Tracing.OTLPEndpoint)
}

// ApplyDriverEnv overrides cfg from environment variables. A nil lookup
// reads the process environment.
func ApplyDriverEnv(cfg *DriverConfig, lookup LookupFunc) {
	e := envReader(lookup)

	e.applyString(&cfg.CSIEndpoint, "CSI_ENDPOINT")
	e.applyString(&cfg.DriverName, "DRIVER_NAME")
	e.applyString(&cfg.NodeID, "NODE_ID")
	e.applyString(&cfg.ClusterDomain, "CLUSTER_DOMAIN")
	e.applyString(&cfg.CertBasePath, "CERT_BASE_PATH")
	e.applyString(&cfg.AdminAddress, "ADMIN_ADDR")
	e.applyInt(&cfg.DefaultValidityDays, "DEFAULT_VALIDITY_DAYS")
	e.applyDuration(&cfg.Authority.CallTimeout, "CERT_SERVICE_TIMEOUT")
	e.applyDuration(&cfg.Monitor.Interval, "MONITOR_INTERVAL")

	if addr, ok := e.get("CERT_SERVICE_ADDR"); ok {
		cfg.Authority.Address = NormalizeAddress(addr)
	}

	e.applyLoggingAndTracing(&cfg.Logging.Level, &cfg.Logging.Format, &cfg.Tracing.Enabled, &cfg.Tracing.OTLPEndpoint)
}

// NormalizeAddress strips an http:// or https:// scheme so URL-style
// service addresses can be used as gRPC targets.
func NormalizeAddress(addr string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(addr, scheme) {
			return strings.TrimSuffix(strings.TrimPrefix(addr, scheme), "/")
		}
	}
	return addr
}

type envReader LookupFunc

func (e envReader) get(key string) (string, bool) {
	lookup := LookupFunc(e)
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e envReader) applyString(target *string, key string) {
	if v, ok := e.get(key); ok {
		*target = v
	}
}

func (e envReader) applyBool(target *bool, key string) {
	if v, ok := e.get(key); ok {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*target = true
		case "false", "0", "no":
			*target = false
		}
	}
}

func (e envReader) applyInt(target *int, key string) {
	if v, ok := e.get(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func (e envReader) applyFloat64(target *float64, key string) {
	if v, ok := e.get(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func (e envReader) applyDuration(target *Duration, key string) {
	if v, ok := e.get(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*target = Duration(d)
		}
	}
}

func (e envReader) applyLoggingAndTracing(level, format *string, tracing *bool, endpoint *string) {
	e.applyString(level, "LOG_LEVEL")
	e.applyString(format, "LOG_FORMAT")
	e.applyBool(tracing, "ENABLE_TRACING")
	e.applyString(endpoint, "OTLP_ENDPOINT")
}
