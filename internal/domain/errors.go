package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrDuplicate    = errors.New("duplicate record")
)

// ValidationError reports a malformed request or entity.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StateError reports a lifecycle transition that is not allowed.
type StateError struct {
	ID     string
	From   ExperimentStatus
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s experiment %s in status %s", e.Action, e.ID, e.From)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NotFound wraps ErrNotFound with the kind and id that were missing.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
