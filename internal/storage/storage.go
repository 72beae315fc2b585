// Package storage uploads produced CSV and metadata files to an S3
// compatible object store.
package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores local files under a run specific key.
type Uploader interface {
	Upload(ctx context.Context, runID string, files []string) ([]string, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	KeyPrefix string
}

type MinIOUploader struct {
	client    *miniogo.Client
	bucket    string
	keyPrefix string
}

func NewMinIOUploader(cfg Config) (*MinIOUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOUploader{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}, nil
}

func (u *MinIOUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	return nil
}

// Upload puts every file into the bucket and returns the object keys.
func (u *MinIOUploader) Upload(ctx context.Context, runID string, files []string) ([]string, error) {
	keys := make([]string, 0, len(files))
	for _, file := range files {
		key := ObjectKey(u.keyPrefix, runID, file)
		_, err := u.client.FPutObject(ctx, u.bucket, key, file, miniogo.PutObjectOptions{
			ContentType: ContentType(file),
		})
		if err != nil {
			return keys, fmt.Errorf("upload %s: %w", file, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ObjectKey is <prefix>/<run id>/<file name>.
func ObjectKey(prefix, runID, file string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if runID != "" {
		parts = append(parts, runID)
	}
	parts = append(parts, filepath.Base(file))
	return path.Join(parts...)
}

func ContentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
