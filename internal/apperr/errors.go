// Package apperr defines the error taxonomy shared by every portal component.
// Components wrap these sentinels with fmt.Errorf("%w: ...") and callers
// classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrConnection marks an unreachable tenant database or API.
	ErrConnection = errors.New("connection error")
	// ErrConfiguration marks a workflow template that cannot be advanced.
	// Fatal and surfaced to an operator.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuthorization marks a caller acting outside their assigned level.
	ErrAuthorization = errors.New("authorization error")
	// ErrNotFound marks a missing document, template or tenant.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a stale-state or concurrent-update conflict. Retryable.
	ErrConflict = errors.New("conflict")
)

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configuration wraps ErrConfiguration with a formatted message.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Authorization wraps ErrAuthorization with a formatted message.
func Authorization(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Retryable reports whether err is worth retrying by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrConnection)
}
