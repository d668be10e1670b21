package template

import (
	"errors"
	"fmt"
)

// ErrInvalidTemplate is matched by every ParseError.
var ErrInvalidTemplate = errors.New("invalid template")

// ErrFieldResolution is matched by every FieldResolutionError.
var ErrFieldResolution = errors.New("field resolution failed")

// ParseError reports a syntax problem in a template.
type ParseError struct {
	Template  string
	Offset    int
	Reference string
	Reason    string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("invalid template %q at offset %d: {%s}: %s", e.Template, e.Offset, e.Reference, e.Reason)
	}
	return fmt.Sprintf("invalid template %q at offset %d: %s", e.Template, e.Offset, e.Reason)
}

// Is reports whether target is ErrInvalidTemplate.
func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidTemplate
}

// FieldResolutionError names the reference that could not be resolved.
type FieldResolutionError struct {
	Template  string
	Reference string
	Reason    string
}

// Error implements the error interface.
func (e *FieldResolutionError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("cannot resolve template %q: %s", e.Template, e.Reason)
	}
	return fmt.Sprintf("cannot resolve {%s} in template %q: %s", e.Reference, e.Template, e.Reason)
}

// Is reports whether target is ErrFieldResolution.
func (e *FieldResolutionError) Is(target error) bool {
	return target == ErrFieldResolution
}
