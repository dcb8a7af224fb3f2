// Package vault provides the encrypted named-record store that persists
// session state across process restarts.
//
// Records are stored one per key ("session", "preferences", ...) in the
// vault_records table. Each record is sealed independently: a fresh salt
// is generated per write, a 256-bit key is derived from the configured
// passphrase with scrypt, and the payload is encrypted with AES-256-GCM.
// A SHA-256 hash of the ciphertext is stored alongside for a cheap
// integrity check before the (more expensive) decrypt attempt.
//
// Records carry an expiry independent of anything inside the payload.
// Expired records and records that fail the integrity check or decrypt
// are treated as absent and lazily deleted on read, so a tampered or
// stale vault degrades to "no persisted session" rather than an error
// the caller has to reason about.
//
// The store is safe for concurrent use; SQLite provides the locking.
package vault
