package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/session-core/internal/infrastructure/database"
)

// minPassphraseLength matches the config validation floor. Enforced
// here as well so a Store can never be constructed around weak key
// material, whatever path the passphrase arrived by.
const minPassphraseLength = 32

// Store is an encrypted named-record store backed by SQLite.
type Store struct {
	db         *database.DB
	passphrase string
}

// New creates a vault store over an open database connection.
//
// Parameters:
//   - db: Open database with the vault_records migration applied
//   - passphrase: Key material for record encryption (min 32 bytes)
//
// Returns:
//   - *Store: Ready-to-use store
//   - error: ErrPassphraseTooShort if the passphrase is too weak
func New(db *database.DB, passphrase string) (*Store, error) {
	if len(passphrase) < minPassphraseLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrPassphraseTooShort, minPassphraseLength, len(passphrase))
	}
	return &Store{db: db, passphrase: passphrase}, nil
}

// Put encrypts payload and stores it under key, replacing any existing
// record. The record expires ttl from now regardless of its contents.
func (s *Store) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	ciphertext, salt, nonce, err := seal(s.passphrase, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSealFailed, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_records (record_key, ciphertext, salt, nonce, integrity_hash, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_key) DO UPDATE SET
		   ciphertext     = excluded.ciphertext,
		   salt           = excluded.salt,
		   nonce          = excluded.nonce,
		   integrity_hash = excluded.integrity_hash,
		   created_at     = excluded.created_at,
		   expires_at     = excluded.expires_at`,
		key, ciphertext, salt, nonce, integrityHash(ciphertext),
		now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing vault record %q: %w", key, err)
	}

	return nil
}

// Get decrypts and returns the record stored under key.
//
// A record that is expired, fails its integrity check, or fails to
// decrypt is deleted and reported as ErrNotFound. Callers can treat
// every ErrNotFound as "start from a clean state".
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	var ciphertext, salt, nonce []byte
	var storedHash, expiresAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, salt, nonce, integrity_hash, expires_at
		 FROM vault_records WHERE record_key = ?`,
		key,
	).Scan(&ciphertext, &salt, &nonce, &storedHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading vault record %q: %w", key, err)
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || !time.Now().UTC().Before(expiry) {
		s.discard(ctx, key)
		return nil, ErrNotFound
	}

	if integrityHash(ciphertext) != storedHash {
		s.discard(ctx, key)
		return nil, ErrNotFound
	}

	payload, err := open(s.passphrase, ciphertext, salt, nonce)
	if err != nil {
		s.discard(ctx, key)
		return nil, ErrNotFound
	}

	return payload, nil
}

// Delete removes the record stored under key. Deleting a key with no
// record is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vault_records WHERE record_key = ?`, key); err != nil {
		return fmt.Errorf("deleting vault record %q: %w", key, err)
	}
	return nil
}

// PurgeExpired removes all records past their expiry. Returns the
// number of records removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vault_records WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging expired vault records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged vault records: %w", err)
	}
	return n, nil
}

// discard removes a dead record found during a read. Best-effort: the
// record already reads as absent, so a failed delete only means the
// next read repeats the cleanup.
func (s *Store) discard(ctx context.Context, key string) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM vault_records WHERE record_key = ?`, key) //nolint:errcheck // lazy cleanup, retried on next read
}
