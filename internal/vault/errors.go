package vault

import "errors"

// Sentinel errors for vault operations. Callers should use errors.Is
// to check for these conditions.
var (
	// ErrNotFound is returned by Get when no live record exists for the
	// key. Expired, tampered, and undecryptable records all surface as
	// ErrNotFound; the caller never learns which.
	ErrNotFound = errors.New("vault: record not found")

	// ErrEmptyKey is returned when a record key is empty.
	ErrEmptyKey = errors.New("vault: record key cannot be empty")

	// ErrPassphraseTooShort is returned by New when the configured
	// passphrase does not meet the minimum length.
	ErrPassphraseTooShort = errors.New("vault: passphrase too short")

	// ErrSealFailed is returned when encrypting a record fails.
	ErrSealFailed = errors.New("vault: sealing record failed")
)
