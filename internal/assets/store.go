// Package assets stores uploaded and generated files in an S3-compatible
// object store and hands back retrievable URLs.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/vellumhq/pipeline/internal/config"
)

// Object is a stored blob's location.
type Object struct {
	Key string
	URL string
}

// Store is the object storage interface the pipeline depends on.
type Store interface {
	Put(ctx context.Context, tenantID uuid.UUID, fileName string, data []byte, contentType string) (*Object, error)
}

// MinioStore implements Store using any S3-compatible backend (MinIO, R2, S3).
type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioStore creates a MinioStore and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg config.ObjectStoreConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	s := &MinioStore{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
	}
	if s.publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		s.publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return s, nil
}

// Put stores data under a tenant-prefixed random key and returns its location.
func (s *MinioStore) Put(ctx context.Context, tenantID uuid.UUID, fileName string, data []byte, contentType string) (*Object, error) {
	key := fmt.Sprintf("%s/%s%s", tenantID, uuid.New(), extensionFor(fileName, contentType))

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &Object{Key: key, URL: s.publicURL + "/" + key}, nil
}

func extensionFor(fileName, contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if ext := path.Ext(fileName); ext != "" {
		return ext
	}
	return ".bin"
}

var _ Store = (*MinioStore)(nil)
