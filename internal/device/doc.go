// Package device derives the stable device identity that sessions are
// bound to.
//
// The identity is a one-way digest over environment signals: machine id,
// hostname, OS, architecture, locale, timezone, and display geometry when
// the shell exports it. The same host configuration always yields the
// same identifier. It is used only for equality comparison — at login,
// at token refresh, and when restoring a persisted session — and is
// never reversed.
//
// A session whose recorded identity does not match a freshly computed
// one is treated as stolen or replayed and discarded unconditionally.
// If too few signals can be gathered to make the identity meaningful,
// computation fails and callers must fail closed (no session rather
// than a weakly-bound one).
package device
