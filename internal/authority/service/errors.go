package service

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/cacsi/internal/authority/registry"
)

// Service errors.
var (
	// ErrAlreadyIssuing indicates that an Issue or Renew for the same
	// identifier is already in flight.
	ErrAlreadyIssuing = errors.New("certificate issuance already in progress")

	// ErrNotFound indicates that no record exists for an identifier.
	ErrNotFound = registry.ErrNotFound

	// ErrInvalidRequest indicates a malformed issue request.
	ErrInvalidRequest = errors.New("invalid issue request")

	// ErrPolicyDenied indicates that an issuance policy rule rejected a request.
	ErrPolicyDenied = errors.New("issuance denied by policy")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrInvalidRequest.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// PolicyDeniedError is returned when a policy rule evaluates to false.
type PolicyDeniedError struct {
	// Rule is the name of the rule that rejected the request.
	Rule string

	// Message is the rule's configured message, if any.
	Message string
}

// Error returns the error message.
func (e *PolicyDeniedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("issuance denied by rule %q: %s", e.Rule, e.Message)
	}
	return fmt.Sprintf("issuance denied by rule %q", e.Rule)
}

// Is reports whether target is ErrPolicyDenied.
func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrPolicyDenied
}
