package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/cacsi/internal/observability"
)

// LocalProviderConfig holds configuration for the local file secrets provider.
type LocalProviderConfig struct {
	// BasePath is the base directory for secrets.
	BasePath string
	// Logger is the logger instance.
	Logger observability.Logger
}

// LocalProvider reads secrets from files. A secret is either
//   - a directory base/name/ with one file per key, or
//   - a file base/name.yaml, base/name.yml or base/name.json mapping keys to values.
type LocalProvider struct {
	basePath string
	logger   observability.Logger
}

// NewLocalProvider creates a new local file secrets provider.
func NewLocalProvider(cfg *LocalProviderConfig) (*LocalProvider, error) {
	if cfg == nil || cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrProviderNotConfigured)
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to access base path: %w", ErrProviderNotConfigured, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base path is not a directory: %s", ErrProviderNotConfigured, cfg.BasePath)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &LocalProvider{basePath: cfg.BasePath, logger: logger}, nil
}

// Type returns the provider type.
func (p *LocalProvider) Type() ProviderType {
	return ProviderTypeLocal
}

// Dir returns the filesystem location backing path, for change watching.
func (p *LocalProvider) Dir(path string) (string, error) {
	clean, err := cleanLocalPath(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(p.basePath, clean)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}
	return filepath.Dir(dir), nil
}

func cleanLocalPath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s escapes the base path", ErrInvalidPath, path)
	}
	return clean, nil
}

// GetSecret retrieves a secret by path.
func (p *LocalProvider) GetSecret(_ context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() { recordOperation(p.Type(), "get", start, err) }()

	clean, err := cleanLocalPath(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(p.basePath, clean)
	if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
		return p.readDirectory(dir, clean)
	}

	for _, ext := range []string{".yaml", ".yml", ".json"} {
		file := dir + ext
		raw, readErr := os.ReadFile(file)
		if os.IsNotExist(readErr) {
			continue
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read secret file %s: %w", file, readErr)
		}
		return p.decodeFile(raw, ext, clean)
	}

	return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
}

func (p *LocalProvider) readDirectory(dir, name string) (*Secret, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret directory %s: %w", dir, err)
	}

	data := make(map[string][]byte, len(entries))
	for _, e := range entries {
		// Kubernetes projected volumes expose keys through ..data symlinks
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		value, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			if os.IsNotExist(err) || isDirectory(filepath.Join(dir, e.Name())) {
				continue
			}
			return nil, fmt.Errorf("failed to read secret key %s: %w", e.Name(), err)
		}
		data[e.Name()] = value
	}

	p.logger.Debug("retrieved local secret",
		observability.String("path", dir),
		observability.Int("keys", len(data)),
	)

	return &Secret{Name: name, Data: data}, nil
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (p *LocalProvider) decodeFile(raw []byte, ext, name string) (*Secret, error) {
	values := map[string]string{}

	var err error
	if ext == ".json" {
		err = json.Unmarshal(raw, &values)
	} else {
		err = yaml.Unmarshal(raw, &values)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret %s%s: %w", name, ext, err)
	}

	data := make(map[string][]byte, len(values))
	for k, v := range values {
		data[k] = []byte(v)
	}
	return &Secret{Name: name, Data: data}, nil
}

// HealthCheck checks that the base directory is still accessible.
func (p *LocalProvider) HealthCheck(_ context.Context) (err error) {
	defer func() { recordHealth(p.Type(), err) }()

	if _, err := os.Stat(p.basePath); err != nil {
		return fmt.Errorf("local secrets base path unavailable: %w", err)
	}
	return nil
}

// Close implements Provider.
func (p *LocalProvider) Close() error {
	return nil
}
