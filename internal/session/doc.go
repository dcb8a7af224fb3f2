// Package session implements the authenticated-session state machine at
// the heart of sessiond.
//
// The Controller owns all session state: it is the only writer of
// AuthState, and every mutation happens under its mutex. Client shells
// observe state through Snapshot and the state-change callback; they
// never mutate it directly.
//
// The state machine moves Unauthenticated -> Authenticating ->
// (MFAPending ->) Authenticated, with RefreshPending as a transient
// state during token rotation. Any refresh failure, device mismatch, or
// idle breach collapses the machine back to Unauthenticated via Logout.
//
// Interleaving is controlled by a monotonic epoch counter rather than
// request cancellation: every operation that completes asynchronously
// re-checks, under the mutex, that the epoch it started under is still
// current before applying its result. Logout bumps the epoch first,
// so a logout racing an in-flight refresh always wins - the refresh
// result lands on a dead epoch and is discarded.
package session
