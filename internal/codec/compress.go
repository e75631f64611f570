// Package codec implements the transform stages of the backup pipeline:
// compression and encryption. Both operate on the artifact after the dump
// stage produced it and before the upload stage ships it.
package codec

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// Supported compression algorithms. The value is stored on the job row and
// travels into the artifact sidecar, so renaming one is a migration.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionBrotli = "brotli"
)

// gzipLevel and brotliQuality are fixed. Both sit at the throughput/ratio
// sweet spot for large text dumps; neither is worth a per-job knob.
const (
	gzipLevel     = 6
	brotliQuality = 6
)

// ValidCompression reports whether kind names a supported algorithm.
func ValidCompression(kind string) bool {
	switch kind {
	case CompressionNone, CompressionGzip, CompressionBrotli:
		return true
	}
	return false
}

// CompressionExtension returns the filename suffix appended to an artifact
// compressed with kind. The empty string means the name is left alone.
func CompressionExtension(kind string) string {
	switch kind {
	case CompressionGzip:
		return ".gz"
	case CompressionBrotli:
		return ".br"
	default:
		return ""
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewCompressor wraps w in a streaming compressor for kind. The caller must
// Close the returned writer to flush trailing blocks; closing it does not
// close w.
func NewCompressor(kind string, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		zw, err := gzip.NewWriterLevel(w, gzipLevel)
		if err != nil {
			return nil, fmt.Errorf("codec: gzip writer: %w", err)
		}
		return zw, nil
	case CompressionBrotli:
		return brotli.NewWriterLevel(w, brotliQuality), nil
	default:
		return nil, dkerr.New(dkerr.KindConfigInvalid, "unknown compression %q", kind)
	}
}

// NewDecompressor wraps r in a streaming decompressor for kind.
func NewDecompressor(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, dkerr.Wrap(dkerr.KindIntegrity, err, "gzip stream corrupt")
		}
		return zr, nil
	case CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return nil, dkerr.New(dkerr.KindConfigInvalid, "unknown compression %q", kind)
	}
}
