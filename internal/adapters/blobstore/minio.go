// Package blobstore stores images in an S3-compatible bucket through minio-go.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/core"
	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// Config holds the object-store endpoint and bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	Logger    *slog.Logger
}

// Store is a core.BlobStore on one bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

var _ core.BlobStore = (*Store)(nil)

// New builds the client. It does not touch the network; call EnsureBucket at startup.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, apperrors.ValidationField("bucket", "bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client init: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "blobstore", "bucket", cfg.Bucket),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.InfoContext(ctx, "created bucket")
	return nil
}

// Put uploads body under key. size may be -1 when unknown.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if strings.TrimSpace(key) == "" {
		return apperrors.ValidationField("key", "object key is required")
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return apperrors.Transient(err, fmt.Sprintf("upload %s", key))
	}
	s.logger.DebugContext(ctx, "object uploaded", "key", key, "size", info.Size)
	return nil
}

// Get downloads the object at key. A missing object yields a NotFound error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapObjectError(err, key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapObjectError(err, key)
	}
	return data, nil
}

// Health reports whether the bucket is reachable.
func (s *Store) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func mapObjectError(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "object %s not found", key)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return apperrors.Wrapf(err, apperrors.ErrCodeInternal, "object %s not accessible", key)
	}
	return apperrors.Transient(err, fmt.Sprintf("download %s", key))
}
