package authapi

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend interactions. Callers should use
// errors.Is to check for these conditions.
var (
	// ErrUnreachable is returned when the backend cannot be contacted
	// at all (DNS, connect, timeout). Distinct from a rejection.
	ErrUnreachable = errors.New("authapi: backend unreachable")

	// ErrInvalidResponse is returned when the backend answers with a
	// body this client cannot decode.
	ErrInvalidResponse = errors.New("authapi: invalid backend response")
)

// BackendError is a non-2xx answer from the backend. Message carries
// the server's error text verbatim; the caller surfaces it unchanged.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authapi: backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("authapi: %s (status %d)", e.Message, e.StatusCode)
}

// IsBackendError reports whether err is a backend rejection and, if so,
// returns it.
func IsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
