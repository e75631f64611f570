package codec

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("INSERT INTO users VALUES (1, 'alice');\n"), 500)

	for _, kind := range []string{CompressionNone, CompressionGzip, CompressionBrotli} {
		t.Run(kind, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewCompressor(kind, &buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if kind != CompressionNone {
				assert.Less(t, buf.Len(), len(payload))
			}

			r, err := NewDecompressor(kind, &buf)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got)
		})
	}
}

func TestCompressUnknownKind(t *testing.T) {
	_, err := NewCompressor("zstd", io.Discard)
	require.Error(t, err)
	assert.Equal(t, dkerr.KindConfigInvalid, dkerr.KindOf(err))
}

func TestCompressionExtension(t *testing.T) {
	assert.Equal(t, "", CompressionExtension(CompressionNone))
	assert.Equal(t, ".gz", CompressionExtension(CompressionGzip))
	assert.Equal(t, ".br", CompressionExtension(CompressionBrotli))
}

func TestEncryptFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "dump.sql")
	enc := filepath.Join(dir, "dump.sql.enc")
	restored := filepath.Join(dir, "restored.sql")

	payload := []byte("-- dump contents\nCREATE TABLE t (id int);\n")
	require.NoError(t, os.WriteFile(plain, payload, 0o600))

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	result, err := EncryptFile(plain, enc, key)
	require.NoError(t, err)
	require.NotEmpty(t, result.IV)
	require.NotEmpty(t, result.AuthTag)

	// ciphertext file carries neither nonce nor tag
	ct, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.Len(t, ct, len(payload))
	assert.NotEqual(t, payload, ct)

	require.NoError(t, DecryptFile(enc, restored, key, result.IV, result.AuthTag))
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecryptFileTamperDetected(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "dump.sql")
	enc := filepath.Join(dir, "dump.sql.enc")

	require.NoError(t, os.WriteFile(plain, []byte("sensitive data"), 0o600))

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	result, err := EncryptFile(plain, enc, key)
	require.NoError(t, err)

	// flip one ciphertext bit
	ct, err := os.ReadFile(enc)
	require.NoError(t, err)
	ct[0] ^= 0x01
	require.NoError(t, os.WriteFile(enc, ct, 0o600))

	err = DecryptFile(enc, filepath.Join(dir, "out.sql"), key, result.IV, result.AuthTag)
	require.Error(t, err)
	assert.Equal(t, dkerr.KindIntegrity, dkerr.KindOf(err))
}

func TestDecryptFileWrongKey(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "dump.sql")
	enc := filepath.Join(dir, "dump.sql.enc")

	require.NoError(t, os.WriteFile(plain, []byte("sensitive data"), 0o600))

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	result, err := EncryptFile(plain, enc, key)
	require.NoError(t, err)

	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)

	err = DecryptFile(enc, filepath.Join(dir, "out.sql"), other, result.IV, result.AuthTag)
	require.Error(t, err)
	assert.Equal(t, dkerr.KindIntegrity, dkerr.KindOf(err))
}

func TestDecryptFileMalformedSidecar(t *testing.T) {
	dir := t.TempDir()
	enc := filepath.Join(dir, "dump.sql.enc")
	require.NoError(t, os.WriteFile(enc, []byte("ciphertext"), 0o600))

	key := make([]byte, 32)
	err := DecryptFile(enc, filepath.Join(dir, "out.sql"), key, "not base64!", "also not")
	require.Error(t, err)
	assert.Equal(t, dkerr.KindIntegrity, dkerr.KindOf(err))
}
