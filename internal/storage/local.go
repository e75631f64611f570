package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// localAdapter stores artifacts under a base directory on the orchestrator's
// own filesystem. Remote paths are resolved relative to that base.
type localAdapter struct{}

type localConfig struct {
	Path string `json:"path"`
}

func (a *localAdapter) ID() string { return "local" }

func (a *localAdapter) resolve(raw json.RawMessage, remotePath string) (string, *localConfig, error) {
	var cfg localConfig
	if err := parseConfig(raw, &cfg); err != nil {
		return "", nil, err
	}
	if cfg.Path == "" {
		return "", nil, dkerr.New(dkerr.KindConfigInvalid, "local destination requires a base path")
	}
	return filepath.Join(cfg.Path, filepath.FromSlash(remotePath)), &cfg, nil
}

func (a *localAdapter) Test(_ context.Context, raw json.RawMessage) error {
	full, _, err := a.resolve(raw, "")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o750); err != nil {
		return dkerr.Wrap(dkerr.KindUnreachable, err, "base path not writable")
	}
	f, err := os.CreateTemp(full, ".dumpkeep-write-test-*")
	if err != nil {
		return dkerr.Wrap(dkerr.KindUnreachable, err, "base path not writable")
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (a *localAdapter) Upload(_ context.Context, raw json.RawMessage, localPath, remotePath string, progress ProgressFunc) error {
	dst, _, err := a.resolve(raw, remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create destination directory")
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

	out, err := os.Create(dst)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create destination file")
	}
	defer out.Close()

	if _, err := io.Copy(out, &progressReader{r: src, total: stat.Size(), progress: progress}); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "copy artifact")
	}
	if err := out.Close(); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "flush destination file")
	}
	return nil
}

func (a *localAdapter) Download(_ context.Context, raw json.RawMessage, remotePath, localPath string) error {
	src, _, err := a.resolve(raw, remotePath)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dkerr.New(dkerr.KindNotFound, "artifact %s not found", remotePath)
		}
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open remote artifact")
	}
	defer in.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create local file")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "copy artifact")
	}
	return out.Close()
}

func (a *localAdapter) Read(_ context.Context, raw json.RawMessage, remotePath string) ([]byte, error) {
	full, _, err := a.resolve(raw, remotePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "read remote object")
	}
	return data, nil
}

func (a *localAdapter) Put(_ context.Context, raw json.RawMessage, remotePath string, data []byte) error {
	full, _, err := a.resolve(raw, remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create destination directory")
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "write remote object")
	}
	return nil
}

// List walks the directory tree below remoteDir. Names of nested files keep
// their slash-separated path relative to remoteDir.
func (a *localAdapter) List(_ context.Context, raw json.RawMessage, remoteDir string) ([]FileInfo, error) {
	full, _, err := a.resolve(raw, remoteDir)
	if err != nil {
		return nil, err
	}

	var infos []FileInfo
	walkErr := filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		stat, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(full, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		infos = append(infos, FileInfo{
			Name:         rel,
			Path:         JoinRemote(remoteDir, rel),
			Size:         stat.Size(),
			LastModified: stat.ModTime(),
		})
		return nil
	})
	if errors.Is(walkErr, fs.ErrNotExist) {
		return nil, nil
	}
	if walkErr != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, walkErr, "list remote directory")
	}
	return infos, nil
}

func (a *localAdapter) Delete(_ context.Context, raw json.RawMessage, remotePath string) error {
	full, _, err := a.resolve(raw, remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "delete remote object")
	}
	return nil
}
