package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"nursefilter/internal/domain"
)

// MinioOptions configures the object-storage connection.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// BaseURL is the public address artifacts are served from, e.g.
	// "https://api.example.com/static".
	BaseURL string
}

// MinioStore persists artifacts in a MinIO (or S3-compatible) deployment,
// one bucket per artifact class.
type MinioStore struct {
	client  *minio.Client
	baseURL string
}

// NewMinioStore connects to MinIO and ensures the artifact buckets exist.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: initialize minio client: %w", err)
	}
	s := &MinioStore{client: client, baseURL: strings.TrimRight(opts.BaseURL, "/")}
	for _, bucket := range []string{BucketUploads, BucketProcessed} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("storage: check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
	}
	return s, nil
}

// Write uploads data under key and returns the canonical key.
func (s *MinioStore) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	bucket, object, err := splitKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "image/png"
	}
	_, err = s.client.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("storage: put object %s: %w", key, err)
	}
	return bucket + "/" + object, nil
}

// Read fetches a stored artifact.
func (s *MinioStore) Read(ctx context.Context, key string) ([]byte, error) {
	bucket, object, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: read object %s: %w", key, err)
	}
	return data, nil
}

// URL returns the public address for a stored key.
func (s *MinioStore) URL(key string) string {
	if s.baseURL == "" {
		return "/" + strings.TrimLeft(key, "/")
	}
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func splitKey(key string) (bucket, object string, err error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	bucket, object, ok := strings.Cut(key, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("storage: invalid key %q", key)
	}
	return bucket, object, nil
}
