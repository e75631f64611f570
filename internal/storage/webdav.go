package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// webdavAdapter stores artifacts on a WebDAV share (Nextcloud, ownCloud,
// generic DAV servers).
type webdavAdapter struct{}

type webdavConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Path     string `json:"path"`
}

func (a *webdavAdapter) ID() string { return "webdav" }

func (a *webdavAdapter) client(raw json.RawMessage) (*gowebdav.Client, *webdavConfig, error) {
	var cfg webdavConfig
	if err := parseConfig(raw, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.URL == "" {
		return nil, nil, dkerr.New(dkerr.KindConfigInvalid, "webdav destination requires a url")
	}
	return gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password), &cfg, nil
}

func (a *webdavAdapter) remote(cfg *webdavConfig, remotePath string) string {
	return path.Join("/", cfg.Path, remotePath)
}

func isDAVNotFound(err error) bool {
	// gowebdav wraps the HTTP status into the error text; 404 is the only
	// signal the client exposes for a missing resource.
	return err != nil && strings.Contains(err.Error(), "404")
}

func (a *webdavAdapter) Test(_ context.Context, raw json.RawMessage) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return dkerr.Wrap(dkerr.KindUnreachable, err, "webdav connect")
	}

	// Prove write permission with a write/delete round trip.
	target := a.remote(cfg, fmt.Sprintf(".dumpkeep-write-test-%d", time.Now().UnixNano()))
	if err := client.MkdirAll(path.Dir(target), 0o750); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create base directory")
	}
	if err := client.Write(target, []byte("ok"), 0o640); err != nil {
		return dkerr.Wrap(dkerr.KindAuthDenied, err, "share not writable")
	}
	if err := client.Remove(target); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "remove test object")
	}
	return nil
}

func (a *webdavAdapter) Upload(_ context.Context, raw json.RawMessage, localPath, remotePath string, progress ProgressFunc) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}

	target := a.remote(cfg, remotePath)
	if err := client.MkdirAll(path.Dir(target), 0o750); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create remote directory")
	}

	src, err := os.Open(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open artifact")
	}
	defer src.Close()
	stat, err := src.Stat()
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "stat artifact")
	}

	reader := &progressReader{r: src, total: stat.Size(), progress: progress}
	if err := client.WriteStream(target, reader, 0o640); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "webdav upload")
	}
	return nil
}

func (a *webdavAdapter) Download(_ context.Context, raw json.RawMessage, remotePath, localPath string) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}

	src, err := client.ReadStream(a.remote(cfg, remotePath))
	if err != nil {
		if isDAVNotFound(err) {
			return dkerr.New(dkerr.KindNotFound, "artifact %s not found", remotePath)
		}
		return dkerr.Wrap(dkerr.KindStreamIO, err, "webdav download")
	}
	defer src.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create local file")
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "webdav download")
	}
	return out.Close()
}

func (a *webdavAdapter) Read(_ context.Context, raw json.RawMessage, remotePath string) ([]byte, error) {
	client, cfg, err := a.client(raw)
	if err != nil {
		return nil, err
	}
	data, err := client.Read(a.remote(cfg, remotePath))
	if err != nil {
		if isDAVNotFound(err) {
			return nil, nil
		}
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "webdav read")
	}
	return data, nil
}

func (a *webdavAdapter) Put(_ context.Context, raw json.RawMessage, remotePath string, data []byte) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	target := a.remote(cfg, remotePath)
	if err := client.MkdirAll(path.Dir(target), 0o750); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create remote directory")
	}
	if err := client.Write(target, data, 0o640); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "webdav put")
	}
	return nil
}

// List walks the tree below remoteDir. Nested files keep their
// slash-separated path relative to remoteDir as Name.
func (a *webdavAdapter) List(_ context.Context, raw json.RawMessage, remoteDir string) ([]FileInfo, error) {
	client, cfg, err := a.client(raw)
	if err != nil {
		return nil, err
	}
	var infos []FileInfo
	if err := a.listDir(client, cfg, remoteDir, "", &infos); err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "webdav list")
	}
	return infos, nil
}

func (a *webdavAdapter) listDir(client *gowebdav.Client, cfg *webdavConfig, remoteDir, sub string, infos *[]FileInfo) error {
	entries, err := client.ReadDir(a.remote(cfg, JoinRemote(remoteDir, sub)))
	if err != nil {
		if isDAVNotFound(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		rel := JoinRemote(sub, entry.Name())
		if entry.IsDir() {
			if err := a.listDir(client, cfg, remoteDir, rel, infos); err != nil {
				return err
			}
			continue
		}
		*infos = append(*infos, FileInfo{
			Name:         rel,
			Path:         JoinRemote(remoteDir, rel),
			Size:         entry.Size(),
			LastModified: entry.ModTime(),
		})
	}
	return nil
}

func (a *webdavAdapter) Delete(_ context.Context, raw json.RawMessage, remotePath string) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	if err := client.Remove(a.remote(cfg, remotePath)); err != nil && !isDAVNotFound(err) {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "webdav delete")
	}
	return nil
}
