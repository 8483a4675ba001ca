// Package objstore stores job artifacts and upload sources in S3-compatible
// object storage.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/isoautomate/browserq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultURLTTL is the lifetime of the URL returned by Upload.
const DefaultURLTTL = time.Hour

// Config selects the endpoint and bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// CreateBucket makes the bucket on first use when missing.
	CreateBucket bool
	URLTTL       time.Duration
}

// FromConfig picks the S3 settings out of the shared configuration.
func FromConfig(c browserq.Config) Config {
	return Config{
		Endpoint:     c.S3Endpoint,
		AccessKey:    c.S3AccessKey,
		SecretKey:    c.S3SecretKey,
		Bucket:       c.S3Bucket,
		UseSSL:       c.S3UseSSL,
		CreateBucket: true,
	}
}

// MinioStore implements browserq.ObjectStore.
type MinioStore struct {
	client *minio.Client
	bucket string
	urlTTL time.Duration
}

var _ browserq.ObjectStore = (*MinioStore)(nil)

// NewMinioStore creates the client and, if asked to, the bucket.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: object storage endpoint and bucket", browserq.ErrNotConfigured)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if cfg.CreateBucket {
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
			}
		}
	}

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, urlTTL: ttl}, nil
}

func (s *MinioStore) Upload(ctx context.Context, key string, data []byte, contentType string) (browserq.StoredObject, error) {
	if key == "" {
		return browserq.StoredObject{}, fmt.Errorf("key cannot be empty")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return browserq.StoredObject{}, fmt.Errorf("failed to put object: %w", err)
	}

	obj := browserq.StoredObject{Key: key, Bucket: s.bucket}
	obj.URL, err = s.PresignedURL(ctx, key, s.urlTTL)
	if err != nil {
		return obj, err
	}
	return obj, nil
}

func (s *MinioStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		bucket = s.bucket
	}
	object, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *MinioStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.urlTTL
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}
