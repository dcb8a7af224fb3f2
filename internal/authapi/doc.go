// Package authapi is the HTTP client for the Ledgerline auth backend.
//
// The backend owns authentication truth: credential checking, MFA
// verification, rate limiting, lockout, token issuance. This package
// only speaks the wire contract and maps responses into Go types. It
// never validates JWT signatures; access tokens are parsed unverified
// solely to read their expiry for refresh scheduling.
//
// Login is a tagged union: a successful call yields either an
// established session (LoginSuccess) or a second-factor demand
// (MFARequired), never both. Backend error messages are carried
// verbatim in BackendError so the caller can surface them unchanged.
package authapi
