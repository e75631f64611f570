// Package storage defines the destination adapter contract and its
// implementations. An adapter moves artifact bytes between the local
// filesystem and one remote backend; it holds no state of its own, so a
// single instance serves every destination of its kind.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// ProgressFunc receives upload/download progress in [0,100].
type ProgressFunc func(percent float64)

// FileInfo describes one remote object as seen by List.
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Adapter is implemented once per storage backend kind. Config is the
// decrypted destination config JSON; each adapter unmarshals its own shape
// and rejects what it cannot use with KindConfigInvalid.
//
// Contract notes:
//   - Remote paths always use forward slashes, regardless of backend.
//   - Read returns (nil, nil) when the object does not exist.
//   - Delete is idempotent: deleting a missing object is not an error.
type Adapter interface {
	ID() string
	Test(ctx context.Context, config json.RawMessage) error
	Upload(ctx context.Context, config json.RawMessage, localPath, remotePath string, progress ProgressFunc) error
	Download(ctx context.Context, config json.RawMessage, remotePath, localPath string) error
	Read(ctx context.Context, config json.RawMessage, remotePath string) ([]byte, error)
	Put(ctx context.Context, config json.RawMessage, remotePath string, data []byte) error
	List(ctx context.Context, config json.RawMessage, remoteDir string) ([]FileInfo, error)
	Delete(ctx context.Context, config json.RawMessage, remotePath string) error
}

// Registry maps adapter ids to implementations.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns a registry with every built-in adapter registered.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		&localAdapter{},
		&s3Adapter{},
		&sftpAdapter{},
		&ftpAdapter{},
		&webdavAdapter{},
	} {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, dkerr.New(dkerr.KindConfigInvalid, "unknown storage adapter %q", id)
	}
	return a, nil
}

// IDs returns the registered adapter ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JoinRemote joins remote path segments with forward slashes and strips any
// leading slash, keeping remote paths relative to the adapter's base.
func JoinRemote(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func parseConfig(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return dkerr.Wrap(dkerr.KindConfigInvalid, err, "malformed adapter config")
	}
	return nil
}

// progressReader reports read progress against a known total. Used to drive
// upload progress on backends that consume an io.Reader.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.progress != nil && p.total > 0 {
		pct := float64(p.read) / float64(p.total) * 100
		if pct > 100 {
			pct = 100
		}
		p.progress(pct)
	}
	return n, err
}
