package vault

import (
	"errors"
	"fmt"
	"net/http"

	vaultapi "github.com/hashicorp/vault/api"
)

// Common errors for Vault operations.
var (
	// ErrSecretNotFound indicates the secret was not found.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("vault: invalid configuration")

	// ErrAuthenticationFailed indicates authentication failed.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")

	// ErrPermissionDenied indicates the token lacks access to a path.
	ErrPermissionDenied = errors.New("vault: permission denied")

	// ErrUnhealthy indicates Vault is sealed or not initialized.
	ErrUnhealthy = errors.New("vault: unhealthy")

	// ErrClientClosed indicates the client was closed.
	ErrClientClosed = errors.New("vault: client closed")
)

// ConfigurationError describes an invalid configuration field.
type ConfigurationError struct {
	Field   string
	Message string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("vault configuration: %s", e.Message)
	}
	return fmt.Sprintf("vault configuration %s: %s", e.Field, e.Message)
}

// Is reports ErrInvalidConfig.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// VaultError represents a failed Vault operation.
type VaultError struct {
	Op   string
	Path string
	Code int
	Err  error
}

// NewVaultError creates a VaultError and extracts the HTTP status code from
// a Vault API response error.
func NewVaultError(op, path string, err error) *VaultError {
	e := &VaultError{Op: op, Path: path, Err: err}
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		e.Code = respErr.StatusCode
	}
	return e
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vault %s on path %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *VaultError) Unwrap() error {
	return e.Err
}

// Is maps HTTP status codes to sentinel errors.
func (e *VaultError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Code == http.StatusForbidden
	case ErrSecretNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// IsRetryable returns true for server errors, rate limiting and transport
// failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		if vaultErr.Code >= http.StatusInternalServerError || vaultErr.Code == http.StatusTooManyRequests {
			return true
		}
		// no response at all
		return vaultErr.Code == 0 &&
			!errors.Is(err, ErrSecretNotFound) &&
			!errors.Is(err, ErrClientClosed) &&
			!errors.Is(err, ErrInvalidConfig)
	}

	return false
}
