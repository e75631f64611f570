package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// EncryptedExtension is appended to artifact names after encryption.
const EncryptedExtension = ".enc"

const (
	ivSize  = 12
	tagSize = 16
)

// EncryptionResult carries the out-of-band material produced by EncryptFile.
// The ciphertext file contains only the raw ciphertext; the IV and the GCM
// auth tag live in the artifact sidecar, so losing the sidecar makes the
// artifact unrecoverable.
type EncryptionResult struct {
	IV      string // base64
	AuthTag string // base64
}

// EncryptFile encrypts src into dst with AES-256-GCM under key. The nonce is
// random per call and returned base64-encoded together with the auth tag.
//
// GCM authenticates the whole message at once, so the plaintext is held in
// memory for the duration of the call. Dump artifacts are compressed before
// this stage, which keeps the working set manageable.
func EncryptFile(src, dst string, key []byte) (*EncryptionResult, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindConfigInvalid, err, "bad encryption key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: gcm init: %w", err)
	}

	plaintext, err := os.ReadFile(src)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "read plaintext artifact")
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("codec: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	if err := os.WriteFile(dst, ciphertext, 0o600); err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "write ciphertext artifact")
	}

	return &EncryptionResult{
		IV:      base64.StdEncoding.EncodeToString(iv),
		AuthTag: base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// DecryptFile reverses EncryptFile: src holds raw ciphertext, ivB64 and
// tagB64 come from the artifact sidecar. A tag mismatch — wrong key, bit rot,
// tampering — surfaces as KindIntegrity.
func DecryptFile(src, dst string, key []byte, ivB64, tagB64 string) error {
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != ivSize {
		return dkerr.New(dkerr.KindIntegrity, "sidecar iv malformed")
	}
	tag, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil || len(tag) != tagSize {
		return dkerr.New(dkerr.KindIntegrity, "sidecar auth tag malformed")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return dkerr.Wrap(dkerr.KindConfigInvalid, err, "bad encryption key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("codec: gcm init: %w", err)
	}

	ciphertext, err := os.ReadFile(src)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "read ciphertext artifact")
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return dkerr.Wrap(dkerr.KindIntegrity, err, "artifact authentication failed")
	}

	if err := os.WriteFile(dst, plaintext, 0o600); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "write plaintext artifact")
	}
	return nil
}
