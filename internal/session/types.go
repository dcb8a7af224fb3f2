package session

import (
	"time"

	"github.com/ledgerline/session-core/internal/authapi"
	"github.com/ledgerline/session-core/internal/device"
)

// State identifies where the machine currently sits.
type State string

// Controller states.
const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateMFAPending      State = "mfa_pending"
	StateAuthenticated   State = "authenticated"
	StateRefreshPending  State = "refresh_pending"
)

// KYCStatus is the account's identity-verification standing.
type KYCStatus string

// KYC verification states, mirroring the backend's kyc_level values.
const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// SecurityLevel grades how strongly the account is protected. It is
// always derived from the user, never stored on its own.
type SecurityLevel string

// Security levels.
const (
	SecurityLow    SecurityLevel = "low"
	SecurityMedium SecurityLevel = "medium"
	SecurityHigh   SecurityLevel = "high"
)

// Session is the token pair plus the metadata that binds it to one
// device. Owned exclusively by the Controller.
type Session struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	DeviceID     device.Identity `json:"device_id"`
	IssuedAt     time.Time       `json:"issued_at"`
	LastRefresh  time.Time       `json:"last_refresh"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// AuthState is the full view a client shell sees. Mutated only by the
// Controller; callers receive copies via Snapshot.
type AuthState struct {
	State         State         `json:"state"`
	User          *authapi.User `json:"user,omitempty"`
	Session       *Session      `json:"session,omitempty"`
	Loading       bool          `json:"loading"`
	Err           string        `json:"error,omitempty"`
	KYCStatus     KYCStatus     `json:"kyc_status"`
	SecurityLevel SecurityLevel `json:"security_level"`
	MFARequired   bool          `json:"mfa_required"`
	LastActivity  time.Time     `json:"last_activity"`
}

// initialState is the shape AuthState always returns to after logout.
func initialState() AuthState {
	return AuthState{
		State:         StateUnauthenticated,
		KYCStatus:     KYCNone,
		SecurityLevel: SecurityLow,
	}
}

// deriveSecurityLevel computes the grade from the user's protections:
// high iff MFA is enabled AND KYC is verified, medium iff either holds,
// low otherwise.
func deriveSecurityLevel(user *authapi.User) SecurityLevel {
	if user == nil {
		return SecurityLow
	}
	verified := kycStatusFromLevel(user.KYCLevel) == KYCVerified
	switch {
	case user.MFAEnabled && verified:
		return SecurityHigh
	case user.MFAEnabled || verified:
		return SecurityMedium
	default:
		return SecurityLow
	}
}

// kycStatusFromLevel maps the backend's kyc_level string onto the
// local enum. Unknown values degrade to none.
func kycStatusFromLevel(level string) KYCStatus {
	switch KYCStatus(level) {
	case KYCPending, KYCVerified, KYCRejected:
		return KYCStatus(level)
	default:
		return KYCNone
	}
}

// persistedSession is the vault record payload. The user travels with
// the token pair so a restored session can repopulate the full state
// without an extra backend round trip.
type persistedSession struct {
	Session Session      `json:"session"`
	User    authapi.User `json:"user"`
}
