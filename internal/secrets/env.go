package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// DefaultEnvPrefix is the default prefix for environment variable secrets.
const DefaultEnvPrefix = "CACSI_SECRET_"

// EnvProviderConfig holds configuration for the environment variable secrets provider.
type EnvProviderConfig struct {
	// Prefix is the prefix for environment variables. Defaults to "CACSI_SECRET_".
	Prefix string
	// Logger is the logger instance.
	Logger observability.Logger
}

// EnvProvider reads secrets from environment variables. The path "ca" maps
// to CACSI_SECRET_CA. A JSON object value is split into keys; any other
// value is stored under the key "value".
type EnvProvider struct {
	prefix string
	logger observability.Logger
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider(cfg *EnvProviderConfig) *EnvProvider {
	if cfg == nil {
		cfg = &EnvProviderConfig{}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &EnvProvider{prefix: prefix, logger: logger, lookup: os.LookupEnv}
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// envName converts a secret path to an environment variable name.
func (p *EnvProvider) envName(path string) string {
	name := strings.ToUpper(path)
	name = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
	return p.prefix + name
}

// GetSecret retrieves a secret from the environment.
func (p *EnvProvider) GetSecret(_ context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() { recordOperation(p.Type(), "get", start, err) }()

	if path == "" {
		return nil, ErrInvalidPath
	}

	name := p.envName(path)
	value, ok := p.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, name)
	}

	data := map[string][]byte{}
	var fields map[string]string
	if json.Unmarshal([]byte(value), &fields) == nil {
		for k, v := range fields {
			data[k] = []byte(v)
		}
	} else {
		data["value"] = []byte(value)
	}

	p.logger.Debug("retrieved secret from environment",
		observability.String("variable", name),
		observability.Int("keys", len(data)),
	)

	return &Secret{Name: path, Data: data}, nil
}

// HealthCheck implements Provider. The environment is always available.
func (p *EnvProvider) HealthCheck(context.Context) error {
	recordHealth(p.Type(), nil)
	return nil
}

// Close implements Provider.
func (p *EnvProvider) Close() error {
	return nil
}
