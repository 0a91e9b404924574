package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized is returned for unknown, revoked or expired credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned on login failure regardless of which part was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotFound is returned for missing resources and resources owned by another account.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a privacy-gated resource may not be read.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned when a unique attribute is already taken.
	ErrConflict = errors.New("conflict")
)

// ValidationError describes which input field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
