package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// ftpAdapter stores artifacts on an FTP or FTPS server.
type ftpAdapter struct{}

type ftpConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      bool   `json:"tls"` // explicit FTPS
	Path     string `json:"path"`
}

func (a *ftpAdapter) ID() string { return "ftp" }

func (a *ftpAdapter) connect(ctx context.Context, raw json.RawMessage) (*ftp.ServerConn, *ftpConfig, error) {
	var cfg ftpConfig
	if err := parseConfig(raw, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.Host == "" {
		return nil, nil, dkerr.New(dkerr.KindConfigInvalid, "ftp destination requires a host")
	}
	port := cfg.Port
	if port == 0 {
		port = 21
	}

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30 * time.Second),
	}
	if cfg.TLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: cfg.Host}))
	}

	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", cfg.Host, port), opts...)
	if err != nil {
		return nil, nil, dkerr.Wrap(dkerr.KindUnreachable, err, "ftp dial")
	}
	user := cfg.Username
	if user == "" {
		user = "anonymous"
	}
	if err := conn.Login(user, cfg.Password); err != nil {
		conn.Quit()
		return nil, nil, dkerr.Wrap(dkerr.KindAuthDenied, err, "ftp login")
	}
	return conn, &cfg, nil
}

func (a *ftpAdapter) remote(cfg *ftpConfig, remotePath string) string {
	return path.Join(cfg.Path, remotePath)
}

// isFTPNotFound matches 550 replies, which FTP servers use for both missing
// files and missing directories.
func isFTPNotFound(err error) bool {
	var proto *textproto.Error
	return errors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable
}

func (a *ftpAdapter) mkdirAll(conn *ftp.ServerConn, dir string) {
	// MakeDir fails on existing directories; errors are ignored because the
	// subsequent Stor surfaces any real problem.
	var built string
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		built = path.Join(built, part)
		_ = conn.MakeDir(built)
	}
}

func (a *ftpAdapter) Test(ctx context.Context, raw json.RawMessage) error {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return err
	}
	defer conn.Quit()
	if err := conn.NoOp(); err != nil {
		return dkerr.Wrap(dkerr.KindUnreachable, err, "ftp noop")
	}

	// Prove write permission with a store/delete round trip.
	target := a.remote(cfg, fmt.Sprintf(".dumpkeep-write-test-%d", time.Now().UnixNano()))
	a.mkdirAll(conn, path.Dir(target))
	if err := conn.Stor(target, strings.NewReader("ok")); err != nil {
		return dkerr.Wrap(dkerr.KindAuthDenied, err, "base path not writable")
	}
	if err := conn.Delete(target); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "remove test object")
	}
	return nil
}

func (a *ftpAdapter) Upload(ctx context.Context, raw json.RawMessage, localPath, remotePath string, progress ProgressFunc) error {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return err
	}
	defer conn.Quit()

	target := a.remote(cfg, remotePath)
	a.mkdirAll(conn, path.Dir(target))

	src, err := os.Open(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open artifact")
	}
	defer src.Close()
	stat, err := src.Stat()
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "stat artifact")
	}

	if err := conn.Stor(target, &progressReader{r: src, total: stat.Size(), progress: progress}); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "ftp upload")
	}
	return nil
}

func (a *ftpAdapter) Download(ctx context.Context, raw json.RawMessage, remotePath, localPath string) error {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return err
	}
	defer conn.Quit()

	resp, err := conn.Retr(a.remote(cfg, remotePath))
	if err != nil {
		if isFTPNotFound(err) {
			return dkerr.New(dkerr.KindNotFound, "artifact %s not found", remotePath)
		}
		return dkerr.Wrap(dkerr.KindStreamIO, err, "ftp download")
	}
	defer resp.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "create local file")
	}
	defer out.Close()

	if _, err := io.Copy(out, resp); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "ftp download")
	}
	return out.Close()
}

func (a *ftpAdapter) Read(ctx context.Context, raw json.RawMessage, remotePath string) ([]byte, error) {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	resp, err := conn.Retr(a.remote(cfg, remotePath))
	if err != nil {
		if isFTPNotFound(err) {
			return nil, nil
		}
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "ftp read")
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "ftp read")
	}
	return data, nil
}

func (a *ftpAdapter) Put(ctx context.Context, raw json.RawMessage, remotePath string, data []byte) error {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return err
	}
	defer conn.Quit()

	target := a.remote(cfg, remotePath)
	a.mkdirAll(conn, path.Dir(target))
	if err := conn.Stor(target, bytes.NewReader(data)); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "ftp put")
	}
	return nil
}

// List walks the tree below remoteDir. Nested files keep their
// slash-separated path relative to remoteDir as Name.
func (a *ftpAdapter) List(ctx context.Context, raw json.RawMessage, remoteDir string) ([]FileInfo, error) {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	var infos []FileInfo
	if err := a.listDir(conn, cfg, remoteDir, "", &infos); err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "ftp list")
	}
	return infos, nil
}

func (a *ftpAdapter) listDir(conn *ftp.ServerConn, cfg *ftpConfig, remoteDir, sub string, infos *[]FileInfo) error {
	entries, err := conn.List(a.remote(cfg, JoinRemote(remoteDir, sub)))
	if err != nil {
		if isFTPNotFound(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		rel := JoinRemote(sub, entry.Name)
		switch entry.Type {
		case ftp.EntryTypeFolder:
			if entry.Name == "." || entry.Name == ".." {
				continue
			}
			if err := a.listDir(conn, cfg, remoteDir, rel, infos); err != nil {
				return err
			}
		case ftp.EntryTypeFile:
			*infos = append(*infos, FileInfo{
				Name:         rel,
				Path:         JoinRemote(remoteDir, rel),
				Size:         int64(entry.Size),
				LastModified: entry.Time,
			})
		}
	}
	return nil
}

func (a *ftpAdapter) Delete(ctx context.Context, raw json.RawMessage, remotePath string) error {
	conn, cfg, err := a.connect(ctx, raw)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Delete(a.remote(cfg, remotePath)); err != nil && !isFTPNotFound(err) {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "ftp delete")
	}
	return nil
}
