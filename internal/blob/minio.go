package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/minio/minio-go/v7"
)

// MinIO is a Store for MinIO and other S3-compatible endpoints.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIO(client *minio.Client, bucket, prefix string) *MinIO {
	return &MinIO{client: client, bucket: bucket, prefix: prefix}
}

func (s *MinIO) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    joinPrefix(s.prefix, prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if key := trimPrefix(s.prefix, obj.Key); key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, joinPrefix(s.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinIOError(key, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinIOError(key, err)
	}
	return data, nil
}

func (s *MinIO) Download(ctx context.Context, key, localPath string) error {
	obj, err := s.client.GetObject(ctx, s.bucket, joinPrefix(s.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return mapMinIOError(key, err)
	}
	defer obj.Close()

	return writeFile(localPath, func(f *os.File) error {
		if _, err := io.Copy(f, obj); err != nil {
			return mapMinIOError(key, err)
		}
		return nil
	})
}

func (s *MinIO) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, joinPrefix(s.prefix, key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func mapMinIOError(key string, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("fetch %s: %w", key, err)
}
