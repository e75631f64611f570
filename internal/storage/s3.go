package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// s3Adapter speaks the S3 API via minio-go and works against AWS, MinIO,
// Backblaze, and other S3-compatible services.
type s3Adapter struct{}

type s3Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    *bool  `json:"useSSL"`
	Prefix    string `json:"prefix"`
}

func (a *s3Adapter) ID() string { return "s3" }

func (a *s3Adapter) client(raw json.RawMessage) (*minio.Client, *s3Config, error) {
	var cfg s3Config
	if err := parseConfig(raw, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, nil, dkerr.New(dkerr.KindConfigInvalid, "s3 destination requires endpoint and bucket")
	}
	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, nil, dkerr.Wrap(dkerr.KindConfigInvalid, err, "s3 client init")
	}
	return client, &cfg, nil
}

func (a *s3Adapter) key(cfg *s3Config, remotePath string) string {
	return JoinRemote(cfg.Prefix, remotePath)
}

func (a *s3Adapter) Test(ctx context.Context, raw json.RawMessage) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return dkerr.Wrap(dkerr.KindUnreachable, err, "bucket check failed")
	}
	if !exists {
		return dkerr.New(dkerr.KindConfigInvalid, "bucket %q does not exist", cfg.Bucket)
	}

	// An existing bucket is not necessarily a writable one; prove write
	// permission with a put/delete round trip.
	key := a.key(cfg, fmt.Sprintf(".dumpkeep-write-test-%d", time.Now().UnixNano()))
	if _, err := client.PutObject(ctx, cfg.Bucket, key,
		bytes.NewReader([]byte("ok")), 2, minio.PutObjectOptions{}); err != nil {
		return dkerr.Wrap(dkerr.KindAuthDenied, err, "bucket not writable")
	}
	if err := client.RemoveObject(ctx, cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "remove test object")
	}
	return nil
}

func (a *s3Adapter) Upload(ctx context.Context, raw json.RawMessage, localPath, remotePath string, progress ProgressFunc) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "open artifact")
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "stat artifact")
	}

	reader := &progressReader{r: f, total: stat.Size(), progress: progress}
	_, err = client.PutObject(ctx, cfg.Bucket, a.key(cfg, remotePath), reader, stat.Size(), minio.PutObjectOptions{})
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "s3 upload")
	}
	return nil
}

func (a *s3Adapter) Download(ctx context.Context, raw json.RawMessage, remotePath, localPath string) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	if err := client.FGetObject(ctx, cfg.Bucket, a.key(cfg, remotePath), localPath, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return dkerr.New(dkerr.KindNotFound, "artifact %s not found", remotePath)
		}
		return dkerr.Wrap(dkerr.KindStreamIO, err, "s3 download")
	}
	return nil
}

func (a *s3Adapter) Read(ctx context.Context, raw json.RawMessage, remotePath string) ([]byte, error) {
	client, cfg, err := a.client(raw)
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObject(ctx, cfg.Bucket, a.key(cfg, remotePath), minio.GetObjectOptions{})
	if err != nil {
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "s3 read")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, dkerr.Wrap(dkerr.KindStreamIO, err, "s3 read")
	}
	return data, nil
}

func (a *s3Adapter) Put(ctx context.Context, raw json.RawMessage, remotePath string, data []byte) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, cfg.Bucket, a.key(cfg, remotePath),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "s3 put")
	}
	return nil
}

func (a *s3Adapter) List(ctx context.Context, raw json.RawMessage, remoteDir string) ([]FileInfo, error) {
	client, cfg, err := a.client(raw)
	if err != nil {
		return nil, err
	}
	prefix := a.key(cfg, remoteDir)
	if prefix != "" {
		prefix += "/"
	}

	var infos []FileInfo
	for obj := range client.ListObjects(ctx, cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, dkerr.Wrap(dkerr.KindStreamIO, obj.Err, "s3 list")
		}
		name := obj.Key[len(prefix):]
		if name == "" {
			continue
		}
		infos = append(infos, FileInfo{
			Name:         name,
			Path:         JoinRemote(remoteDir, name),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return infos, nil
}

func (a *s3Adapter) Delete(ctx context.Context, raw json.RawMessage, remotePath string) error {
	client, cfg, err := a.client(raw)
	if err != nil {
		return err
	}
	// RemoveObject on a missing key succeeds, which matches the contract.
	if err := client.RemoveObject(ctx, cfg.Bucket, a.key(cfg, remotePath), minio.RemoveObjectOptions{}); err != nil {
		return dkerr.Wrap(dkerr.KindStreamIO, err, "s3 delete")
	}
	return nil
}
