package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

const escapedDollar = "\x00ESCAPED_DOLLAR\x00"

// LoadAuthorityConfig reads path over the authority defaults.
func LoadAuthorityConfig(path string) (*AuthorityConfig, error) {
	cfg := DefaultAuthorityConfig()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDriverConfig reads path over the driver defaults.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cfg := DefaultDriverConfig()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := Decode(bytes.NewReader(data), out); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// Decode substitutes environment variables in r and decodes the YAML into
// out, keeping the values already in out for absent fields. Unknown fields
// are rejected.
func Decode(r io.Reader, out interface{}) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	content := substituteEnvVars(string(raw), os.LookupEnv)

	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default}. "$$" yields a
// literal "$".
func substituteEnvVars(content string, lookup func(string) (string, bool)) string {
	content = strings.ReplaceAll(content, "$$", escapedDollar)

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if value, ok := lookup(sub[1]); ok {
			return value
		}
		return sub[2]
	})

	return strings.ReplaceAll(result, escapedDollar, "$")
}
