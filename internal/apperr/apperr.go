// Package apperr defines the error kinds shared by the ingestion, engagement
// and reporting paths. Callers classify with errors.Is against the sentinels.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrDependency   = errors.New("dependency failure")
)

// ValidationError lists the offending fields of a rejected input.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, strings.Join(e.Fields, ", "), e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Missing builds a ValidationError for required fields that were absent.
func Missing(fields ...string) error {
	return &ValidationError{Fields: fields, Reason: "required"}
}

// Invalid builds a ValidationError for a field with a bad value.
func Invalid(field, reason string) error {
	return &ValidationError{Fields: []string{field}, Reason: reason}
}

// NotFound wraps ErrNotFound with the missing resource and id.
func NotFound(resource, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, resource, id)
}

// Conflict wraps ErrConflict with a reason.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// InvalidState wraps ErrInvalidState with a reason.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Dependency wraps ErrDependency around a collaborator failure.
func Dependency(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDependency, name, err)
}
