package session

import "errors"

// Sentinel errors for controller operations. Callers should use
// errors.Is to check for these conditions.
var (
	// ErrEmptyCredentials is returned by Login when email or password
	// is empty. Password policy itself is enforced by the backend.
	ErrEmptyCredentials = errors.New("session: email and password required")

	// ErrNoPendingMFA is returned by VerifyMFA when no MFA challenge
	// is outstanding.
	ErrNoPendingMFA = errors.New("session: no MFA verification pending")

	// ErrNotAuthenticated is returned by operations that need an
	// established session, such as UpdateKYC.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	// ErrSuperseded is returned when an operation completed but its
	// result was discarded because the session moved on underneath it
	// (logout or a newer login won the race).
	ErrSuperseded = errors.New("session: operation superseded")

	// ErrDeviceIdentity is returned when the device fingerprint cannot
	// be computed. The controller fails closed on it.
	ErrDeviceIdentity = errors.New("session: device identity unavailable")

	// ErrBusy is returned by Login when another login attempt is
	// already in flight.
	ErrBusy = errors.New("session: login already in progress")
)
