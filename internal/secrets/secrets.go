// Package secrets implements the process-wide symmetric envelope protecting
// everything sensitive at rest: adapter configs, channel configs, settings
// values, and encryption-profile data keys. All of them are sealed with
// AES-256-GCM under a single system master key provided by the operator at
// startup.
//
// The master key is never logged. Unwrapped data keys are handed out as
// fresh slices that callers zeroize when the owning run finishes.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// DataKeySize is the size of an encryption-profile data key (AES-256).
const DataKeySize = 32

// masterKey is the package-level AES-256 key. It must be initialized once at
// startup via Init before any database operation involving encrypted fields.
var masterKey []byte

// Init derives and sets the 32-byte master key from the operator-provided
// secret. Arbitrary-length secrets are accepted and hashed with SHA-256 so
// that deployments can use a passphrase instead of raw key material.
//
// Call this once during application startup, before opening the database:
//
//	if err := secrets.Init([]byte(os.Getenv("DUMPKEEP_MASTER_KEY"))); err != nil {
//	    log.Fatal(err)
//	}
func Init(secret []byte) error {
	if len(secret) == 0 {
		return errors.New("secrets: master key must not be empty")
	}
	sum := sha256.Sum256(secret)
	masterKey = sum[:]
	return nil
}

// Encrypt seals plaintext with AES-256-GCM under the master key and returns
// an opaque base64 string in the format base64(nonce + ciphertext). An empty
// plaintext is returned as an empty string without encryption.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if masterKey == nil {
		return "", errors.New("secrets: master key not initialized, call secrets.Init first")
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	// A unique nonce per encryption is critical for GCM security — never
	// reuse a nonce with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: failed to generate nonce: %w", err)
	}

	// Seal appends the ciphertext and authentication tag to the nonce.
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty opaque string decrypts to an empty
// plaintext. A failed authentication is surfaced as an Integrity error.
func Decrypt(opaque string) (string, error) {
	if opaque == "" {
		return "", nil
	}
	if masterKey == nil {
		return "", errors.New("secrets: master key not initialized, call secrets.Init first")
	}

	data, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to decode base64: %w", err)
	}

	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("secrets: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", dkerr.Wrap(dkerr.KindIntegrity, err, "failed to decrypt value")
	}
	return string(plaintext), nil
}

// GenerateDataKey returns a fresh random 32-byte key for a new encryption
// profile, plus its hex encoding for storage via Encrypt.
func GenerateDataKey() ([]byte, string, error) {
	key := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, "", fmt.Errorf("secrets: failed to generate data key: %w", err)
	}
	return key, hex.EncodeToString(key), nil
}

// ParseHexKey validates and decodes an imported 64-hex-character data key.
// Length violations fail loudly as ConfigInvalid.
func ParseHexKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindConfigInvalid, err, "data key is not valid hex")
	}
	if len(key) != DataKeySize {
		return nil, dkerr.New(dkerr.KindConfigInvalid,
			"data key must be %d bytes (%d hex chars), got %d bytes",
			DataKeySize, DataKeySize*2, len(key))
	}
	return key, nil
}

// Zeroize overwrites key material in place. Called by runners when a
// per-run data key is no longer needed.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// newGCM builds the AEAD for the given key.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create GCM: %w", err)
	}
	return gcm, nil
}
