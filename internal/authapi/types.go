package authapi

// User is the backend's view of the account holder. Field names follow
// the backend's JSON contract.
type User struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name,omitempty"`
	MFAEnabled bool   `json:"mfa_enabled"`

	// KYCLevel is the backend's verification state for the account:
	// none, pending, verified or rejected.
	KYCLevel string `json:"kyc_level"`
}

// LoginOutcome is the result of a successful login call. It is one of
// LoginSuccess (session established) or MFARequired (second factor
// demanded before any token is issued).
type LoginOutcome interface {
	loginOutcome()
}

// LoginSuccess is a completed login: the backend issued tokens and the
// session can be established immediately.
type LoginSuccess struct {
	User         User   `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// MFARequired is a login held pending a second factor. Challenge
// identifies the pending verification at the backend. AccessToken is
// the provisional pre-MFA token when the backend issues one; it only
// authorises the verify call, never a session.
type MFARequired struct {
	Challenge   string `json:"mfa_challenge"`
	AccessToken string `json:"access_token,omitempty"`
}

func (LoginSuccess) loginOutcome() {}
func (MFARequired) loginOutcome()  {}

// TokenPair is the result of a refresh call.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Document is one file in a KYC submission.
type Document struct {
	// Name is the multipart form field ("id_front", "proof_of_address", ...).
	Name string

	// Filename is the client-side file name sent with the part.
	Filename string

	Content []byte
}
