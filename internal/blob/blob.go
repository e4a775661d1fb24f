// Package blob reads source images from, and writes artifacts to, object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/andresmejia3/glimpse/internal/config"
	"github.com/andresmejia3/glimpse/internal/utils"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the blob storage boundary. Keys are slash-separated and relative to the store's prefix.
type Store interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Download(ctx context.Context, key, localPath string) error
	Put(ctx context.Context, key string, data []byte) error
}

// Open builds the store selected by cfg.Blob.Backend. awsCfg is only used by the S3 backend.
func Open(cfg *config.Config, awsCfg aws.Config) (Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobS3:
		return NewS3(s3.NewFromConfig(awsCfg), cfg.Blob.Bucket, cfg.Blob.Prefix), nil
	case config.BlobMinIO:
		client, err := minio.New(cfg.Blob.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Blob.AccessKey, cfg.Blob.SecretKey, ""),
			Secure: cfg.Blob.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return NewMinIO(client, cfg.Blob.Bucket, cfg.Blob.Prefix), nil
	case config.BlobLocal:
		return NewLocal(cfg.Blob.Root), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// Images keeps only keys with a decodable image extension, preserving order.
func Images(keys []string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if utils.IsImageKey(k) {
			out = append(out, k)
		}
	}
	return out
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func trimPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

// writeFile fills a temp file next to localPath and renames it into place, so a failed transfer never leaves a
// partial artifact behind.
func writeFile(localPath string, fill func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".glimpse-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

func copyTo(r io.Reader) func(*os.File) error {
	return func(f *os.File) error {
		_, err := io.Copy(f, r)
		return err
	}
}
