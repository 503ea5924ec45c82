// Package services holds the error vocabulary shared by the domain services
// under internal/app/services/*.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when the caller may see a record but not
	// change it.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized is returned when an operation needs a signed-in user.
	ErrUnauthorized = errors.New("authentication required")
	// ErrLocked is returned when encrypted data is requested without the
	// session encryption key.
	ErrLocked = errors.New("encryption key required")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
