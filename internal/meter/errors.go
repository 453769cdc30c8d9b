package meter

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when an entity belongs to another user
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned for duplicates and deletions blocked by references
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized is returned for missing or rejected credentials
	ErrUnauthorized = errors.New("unauthorized")
)

// kindError carries a client-facing message for one of the sentinel kinds
type kindError struct {
	kind    error
	message string
}

func (e *kindError) Error() string { return e.message }

func (e *kindError) Unwrap() error { return e.kind }

// errorf returns an error that matches kind with errors.Is and whose message
// is safe to show to clients
func errorf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, message: fmt.Sprintf(format, args...)}
}

// clientMessage returns the innermost client-facing message of err, or fallback
func clientMessage(err error, fallback string) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.message
	}
	return fallback
}
