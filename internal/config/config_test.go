package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/cacsi/internal/vault"
)

func mapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Parallel()

	lookup := mapLookup(map[string]string{"NS": "cacsi-system", "EMPTY": ""})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set", input: "ns: ${NS}", want: "ns: cacsi-system"},
		{name: "default unused", input: "ns: ${NS:-kube-system}", want: "ns: cacsi-system"},
		{name: "default used", input: "ns: ${MISSING:-kube-system}", want: "ns: kube-system"},
		{name: "missing no default", input: "ns: ${MISSING}", want: "ns: "},
		{name: "set but empty", input: "ns: ${EMPTY:-x}", want: "ns: "},
		{name: "escaped dollar", input: "expr: $${NS}", want: "expr: ${NS}"},
		{name: "no vars", input: "plain: text", want: "plain: text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, substituteEnvVars(tt.input, lookup))
		})
	}
}

func TestLoadAuthorityConfig(t *testing.T) {
	t.Setenv("CACSI_TEST_SECRET", "cacsi-ca")

	path := filepath.Join(t.TempDir(), "authority.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddress: ":6000"
ca:
  source: kubernetes
  secretName: ${CACSI_TEST_SECRET}
  secretNamespace: ${CACSI_TEST_NAMESPACE:-cacsi-system}
issuance:
  maxValidity: 720h
  policy:
    - name: short-lived
      expression: request.validity_seconds <= 2592000
rateLimit:
  rps: 10
  burst: 20
logging:
  level: debug
`), 0o600))

	cfg, err := LoadAuthorityConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.ListenAddress)
	assert.Equal(t, DefaultAuthorityAdminAddress, cfg.AdminAddress, "defaults survive")
	assert.Equal(t, "cacsi-ca", cfg.CA.SecretName)
	assert.Equal(t, "cacsi-system", cfg.CA.SecretNamespace)
	assert.Equal(t, DefaultCertificateKey, cfg.CA.CertificateKey)
	assert.Equal(t, 720*time.Hour, cfg.Issuance.MaxValidity.Duration())
	require.Len(t, cfg.Issuance.Policy, 1)
	assert.Equal(t, "short-lived", cfg.Issuance.Policy[0].Name)
	assert.Equal(t, 10.0, cfg.RateLimit.RPS)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDriverConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "driver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodeID: node-a
authority:
  address: authority:50051
  callTimeout: 3s
  retry:
    maxRetries: 5
    initialBackoff: 50ms
monitor:
  interval: 1m
  threshold: 0.3
`), 0o600))

	cfg, err := LoadDriverConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, DefaultCSIEndpoint, cfg.CSIEndpoint)
	assert.Equal(t, 3*time.Second, cfg.Authority.CallTimeout.Duration())
	assert.Equal(t, 5, cfg.Authority.Retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Authority.Retry.InitialBackoff.Duration())
	assert.Equal(t, time.Minute, cfg.Monitor.Interval.Duration())
	assert.Equal(t, 0.3, cfg.Monitor.Threshold)
	assert.Equal(t, DefaultExpiryWarningWindow, cfg.Monitor.WarningWindow.Duration())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := LoadDriverConfig(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("nodeId: typo\n"), 0o600))
	_, err = LoadDriverConfig(unknown)
	assert.Error(t, err, "unknown fields are rejected")

	badDuration := filepath.Join(dir, "duration.yaml")
	require.NoError(t, os.WriteFile(badDuration, []byte("monitor:\n  interval: often\n"), 0o600))
	_, err = LoadDriverConfig(badDuration)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	cfg, err := LoadAuthorityConfig(empty)
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
}

func TestDuration(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`"90s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := yaml.Marshal(Duration(5 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "5m0s\n", string(out))

	require.NoError(t, json.Unmarshal([]byte(`"1h"`), &d))
	assert.Equal(t, time.Hour, d.Duration())
	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Zero(t, d)
	require.NoError(t, json.Unmarshal([]byte(`""`), &d))
	assert.Zero(t, d)
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	b, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(b))

	assert.Equal(t, time.Minute, Duration(0).OrDefault(time.Minute))
	assert.Equal(t, time.Second, Duration(time.Second).OrDefault(time.Minute))
}

func TestAuthorityConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*AuthorityConfig)
		paths  []string
	}{
		{name: "defaults", mutate: func(*AuthorityConfig) {}},
		{
			name:   "missing secret",
			mutate: func(c *AuthorityConfig) { c.CA.SecretName = "" },
			paths:  []string{"ca.secretName"},
		},
		{
			name:   "unknown source",
			mutate: func(c *AuthorityConfig) { c.CA.Source = "hsm" },
			paths:  []string{"ca.source"},
		},
		{
			name:   "vault without config",
			mutate: func(c *AuthorityConfig) { c.CA.Source = CASourceVault; c.CA.Path = "cacsi/ca" },
			paths:  []string{"ca.vault"},
		},
		{
			name: "vault valid",
			mutate: func(c *AuthorityConfig) {
				c.CA.Source = CASourceVault
				c.CA.Path = "cacsi/ca"
				c.CA.Vault = &vault.Config{Address: "http://vault:8200", AuthMethod: vault.AuthMethodToken, Token: "t"}
			},
		},
		{
			name:   "local without directory",
			mutate: func(c *AuthorityConfig) { c.CA.Source = CASourceLocal },
			paths:  []string{"ca.localDirectory", "ca.path"},
		},
		{
			name:   "watch on kubernetes",
			mutate: func(c *AuthorityConfig) { c.CA.Watch = true },
			paths:  []string{"ca.watch"},
		},
		{
			name: "several problems",
			mutate: func(c *AuthorityConfig) {
				c.ListenAddress = ""
				c.Issuance.MaxValidity = 0
				c.Issuance.Policy = []PolicyRule{{Name: "empty"}}
				c.Logging.Level = "trace"
				c.TLS = &ServerTLSConfig{CertFile: "/tls/tls.crt"}
			},
			paths: []string{
				"listenAddress", "tls.keyFile", "issuance.maxValidity",
				"issuance.policy[0].expression", "logging.level",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultAuthorityConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if len(tt.paths) == 0 {
				assert.NoError(t, err)
				return
			}
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			var got []string
			for _, e := range verrs {
				got = append(got, e.Path)
			}
			assert.ElementsMatch(t, tt.paths, got)
		})
	}
}

func TestDriverConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*DriverConfig)
		paths  []string
	}{
		{name: "valid", mutate: func(*DriverConfig) {}},
		{
			name:   "bad endpoint",
			mutate: func(c *DriverConfig) { c.CSIEndpoint = "/csi/csi.sock" },
			paths:  []string{"csiEndpoint"},
		},
		{
			name:   "missing node",
			mutate: func(c *DriverConfig) { c.NodeID = "" },
			paths:  []string{"nodeID"},
		},
		{
			name:   "threshold out of range",
			mutate: func(c *DriverConfig) { c.Monitor.Threshold = 1 },
			paths:  []string{"monitor.threshold"},
		},
		{
			name: "validity and interval",
			mutate: func(c *DriverConfig) {
				c.DefaultValidityDays = 0
				c.Monitor.Interval = 0
			},
			paths: []string{"defaultValidityDays", "monitor.interval"},
		},
		{
			name:   "half client cert",
			mutate: func(c *DriverConfig) { c.Authority.TLS = &ClientTLSConfig{CertFile: "/tls/tls.crt"} },
			paths:  []string{"authority.tls"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultDriverConfig()
			cfg.NodeID = "node-a"
			tt.mutate(cfg)
			err := cfg.Validate()

			if len(tt.paths) == 0 {
				assert.NoError(t, err)
				return
			}
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			var got []string
			for _, e := range verrs {
				got = append(got, e.Path)
			}
			assert.ElementsMatch(t, tt.paths, got)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: broken", ValidationErrors{{Path: "a", Message: "broken"}}.Error())

	msg := ValidationErrors{{Path: "a", Message: "x"}, {Message: "y"}}.Error()
	assert.True(t, strings.HasPrefix(msg, "2 validation errors:"))
	assert.Contains(t, msg, "1. a: x")
	assert.Contains(t, msg, "2. y")
}

func TestApplyAuthorityEnv(t *testing.T) {
	t.Parallel()

	cfg := DefaultAuthorityConfig()
	ApplyAuthorityEnv(cfg, mapLookup(map[string]string{
		"LISTEN_ADDR":         "0.0.0.0:7000",
		"CA_SOURCE":           "vault",
		"CA_SECRET_NAME":      "other-ca",
		"CA_SECRET_NAMESPACE": "security",
		"CA_SECRET_PATH":      "cacsi/ca",
		"VAULT_ADDR":          "https://vault:8200",
		"VAULT_ROLE":          "cacsi-authority",
		"RATE_LIMIT_RPS":      "not-a-number",
		"MAX_VALIDITY":        "240h",
		"LOG_LEVEL":           "warn",
		"ENABLE_TRACING":      "yes",
	}))

	assert.Equal(t, "0.0.0.0:7000", cfg.ListenAddress)
	assert.Equal(t, CASourceVault, cfg.CA.Source)
	assert.Equal(t, "other-ca", cfg.CA.SecretName)
	assert.Equal(t, "security", cfg.CA.SecretNamespace)
	require.NotNil(t, cfg.CA.Vault)
	assert.Equal(t, "https://vault:8200", cfg.CA.Vault.Address)
	assert.Equal(t, vault.AuthMethodKubernetes, cfg.CA.Vault.AuthMethod)
	assert.Equal(t, "cacsi-authority", cfg.CA.Vault.Kubernetes.Role)
	assert.Equal(t, float64(DefaultRateLimitRPS), cfg.RateLimit.RPS, "unparsable values are ignored")
	assert.Equal(t, 240*time.Hour, cfg.Issuance.MaxValidity.Duration())
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Tracing.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestApplyDriverEnv(t *testing.T) {
	t.Parallel()

	cfg := DefaultDriverConfig()
	ApplyDriverEnv(cfg, mapLookup(map[string]string{
		"CSI_ENDPOINT":      "unix:///var/lib/kubelet/plugins/cacsi/csi.sock",
		"NODE_ID":           "node-b",
		"CERT_SERVICE_ADDR": "http://cacsi-service.cacsi-system:50051",
		"CLUSTER_DOMAIN":    "corp.local",
		"CERT_BASE_PATH":    "/var/lib/cacsi",
		"MONITOR_INTERVAL":  "30s",
	}))

	assert.Equal(t, "unix:///var/lib/kubelet/plugins/cacsi/csi.sock", cfg.CSIEndpoint)
	assert.Equal(t, "node-b", cfg.NodeID)
	assert.Equal(t, "cacsi-service.cacsi-system:50051", cfg.Authority.Address)
	assert.Equal(t, "corp.local", cfg.ClusterDomain)
	assert.Equal(t, "/var/lib/cacsi", cfg.CertBasePath)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval.Duration())
	assert.NoError(t, cfg.Validate())
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "svc:50051", NormalizeAddress("http://svc:50051"))
	assert.Equal(t, "svc:50051", NormalizeAddress("https://svc:50051/"))
	assert.Equal(t, "svc:50051", NormalizeAddress("svc:50051"))
	assert.Equal(t, "dns:///svc:50051", NormalizeAddress("dns:///svc:50051"))
}
