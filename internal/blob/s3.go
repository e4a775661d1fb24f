package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 is a Store backed by an S3 bucket.
type S3 struct {
	client     *s3.Client
	bucket     string
	prefix     string
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// NewS3 creates a store. prefix is prepended to all keys (e.g. "images/").
func NewS3(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{
		client:     client,
		bucket:     bucket,
		prefix:     prefix,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
	}
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(joinPrefix(s.prefix, prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			if key := trimPrefix(s.prefix, aws.ToString(obj.Key)); key != "" {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
	})
	if err != nil {
		return nil, mapS3Error(key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) Download(ctx context.Context, key, localPath string) error {
	return writeFile(localPath, func(f *os.File) error {
		_, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinPrefix(s.prefix, key)),
		})
		if err != nil {
			return mapS3Error(key, err)
		}
		return nil
	})
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinPrefix(s.prefix, key)),
		Body:   bytes.NewReader(data),
	})
	return err
}

func mapS3Error(key string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("fetch %s: %w", key, err)
}
