package device

import "errors"

// Sentinel errors for device identity computation.
var (
	// ErrInsufficientSignals is returned when too few stable environment
	// signals could be gathered to derive a meaningful identity.
	// Callers must treat this as fatal and fail closed.
	ErrInsufficientSignals = errors.New("device: insufficient signals for identity")
)
