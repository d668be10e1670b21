package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// validator collects errors.
type validator struct {
	errors ValidationErrors
}

func (v *validator) add(path, format string, args ...interface{}) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) required(path, value string) {
	if strings.TrimSpace(value) == "" {
		v.add(path, "is required")
	}
}

func (v *validator) result() error {
	if len(v.errors) == 0 {
		return nil
	}
	return v.errors
}

func (v *validator) logging(level, format string) {
	switch level {
	case "", "debug", "info", "warn", "error":
	default:
		v.add("logging.level", "must be one of debug, info, warn, error, got %q", level)
	}
	switch format {
	case "", "json", "console":
	default:
		v.add("logging.format", "must be json or console, got %q", format)
	}
}

// Validate checks the authority configuration and returns ValidationErrors
// listing every problem found.
func (c *AuthorityConfig) Validate() error {
	v := &validator{}

	v.required("listenAddress", c.ListenAddress)

	if c.TLS != nil {
		v.required("tls.certFile", c.TLS.CertFile)
		v.required("tls.keyFile", c.TLS.KeyFile)
	}

	c.validateCA(v)

	if c.Issuance.MaxValidity <= 0 {
		v.add("issuance.maxValidity", "must be positive")
	}
	for i, rule := range c.Issuance.Policy {
		path := fmt.Sprintf("issuance.policy[%d]", i)
		v.required(path+".name", rule.Name)
		v.required(path+".expression", rule.Expression)
	}

	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		v.add("rateLimit.burst", "must be positive when rps is set")
	}
	if c.GracefulShutdownTimeout < 0 {
		v.add("gracefulShutdownTimeout", "must not be negative")
	}

	v.logging(c.Logging.Level, c.Logging.Format)

	return v.result()
}

func (c *AuthorityConfig) validateCA(v *validator) {
	ca := c.CA

	switch ca.Source {
	case CASourceKubernetes:
		v.required("ca.secretName", ca.SecretName)
		v.required("ca.secretNamespace", ca.SecretNamespace)
	case CASourceVault:
		v.required("ca.path", ca.Path)
		if ca.Vault == nil {
			v.add("ca.vault", "is required for the vault source")
		} else if err := ca.Vault.Validate(); err != nil {
			v.add("ca.vault", "%v", err)
		}
	case CASourceLocal:
		v.required("ca.localDirectory", ca.LocalDirectory)
		v.required("ca.path", ca.Path)
	case CASourceEnv:
		v.required("ca.path", ca.Path)
	case CASourceSelfSigned:
		v.required("ca.selfSigned.commonName", ca.SelfSigned.CommonName)
		if ca.SelfSigned.Validity <= 0 {
			v.add("ca.selfSigned.validity", "must be positive")
		}
	default:
		v.add("ca.source", "must be one of kubernetes, vault, local, env, selfsigned, got %q", ca.Source)
	}

	if ca.Watch && ca.Source != CASourceLocal {
		v.add("ca.watch", "is only supported for the local source")
	}
}

// Validate checks the driver configuration and returns ValidationErrors
// listing every problem found.
func (c *DriverConfig) Validate() error {
	v := &validator{}

	switch {
	case c.CSIEndpoint == "":
		v.add("csiEndpoint", "is required")
	case !strings.HasPrefix(c.CSIEndpoint, "unix://") && !strings.HasPrefix(c.CSIEndpoint, "tcp://"):
		v.add("csiEndpoint", "must start with unix:// or tcp://, got %q", c.CSIEndpoint)
	}

	v.required("driverName", c.DriverName)
	v.required("nodeID", c.NodeID)
	v.required("clusterDomain", c.ClusterDomain)
	v.required("authority.address", c.Authority.Address)

	if c.DefaultValidityDays < 1 || c.DefaultValidityDays > 36500 {
		v.add("defaultValidityDays", "must be between 1 and 36500, got %d", c.DefaultValidityDays)
	}
	if c.Authority.CallTimeout < 0 {
		v.add("authority.callTimeout", "must not be negative")
	}
	if c.Authority.BreakerThreshold < 0 {
		v.add("authority.breakerThreshold", "must not be negative")
	}
	if tls := c.Authority.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		v.add("authority.tls", "certFile and keyFile must be set together")
	}

	if c.Monitor.Interval <= 0 {
		v.add("monitor.interval", "must be positive")
	}
	if c.Monitor.Threshold <= 0 || c.Monitor.Threshold >= 1 {
		v.add("monitor.threshold", "must be between 0 and 1 exclusive, got %v", c.Monitor.Threshold)
	}
	if c.Monitor.WarningWindow < 0 {
		v.add("monitor.warningWindow", "must not be negative")
	}

	v.logging(c.Logging.Level, c.Logging.Format)

	return v.result()
}
