package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// scrypt parameters: interactive-strength, tuned for a derivation on
	// every vault write rather than a one-off password hash.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	keyLen  = 32 // AES-256
	saltLen = 16
)

// deriveKey stretches the vault passphrase into an AES-256 key using the
// per-record salt. The same passphrase+salt pair always yields the same
// key, so records survive process restarts.
func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving record key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext under a key derived from the passphrase and a
// fresh random salt. It returns the ciphertext (nonce excluded), the
// salt, and the nonce.
func seal(passphrase string, plaintext []byte) (ciphertext, salt, nonce []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, nil, fmt.Errorf("generating salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, nil, nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, salt, nonce, nil
}

// open decrypts a record sealed by seal. GCM authenticates the
// ciphertext, so a wrong passphrase or modified payload fails here even
// if the integrity hash was fixed up to match.
func open(passphrase string, ciphertext, salt, nonce []byte) ([]byte, error) {
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting record: %w", err)
	}
	return plaintext, nil
}

// integrityHash returns the hex SHA-256 of the ciphertext. Stored with
// the record and re-checked on read before attempting a decrypt.
func integrityHash(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}
