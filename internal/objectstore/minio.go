// Package objectstore uploads tender and bid documents to S3-compatible
// storage so the evaluator can fetch them by URL.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/spigell/bid-evaluator/internal/ai"
)

const DefaultBucket = "tender-bucket"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicURL replaces scheme://endpoint in object URLs, e.g. a CDN in
	// front of the bucket.
	PublicURL string
}

type Minio struct {
	client *minio.Client
	cfg    Config
}

func New(cfg Config) (*Minio, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Minio{client: client, cfg: cfg}, nil
}

func (m *Minio) Bucket() string { return m.cfg.Bucket }

// EnsureBucket creates the bucket if it does not exist and reports whether
// it had to.
func (m *Minio) EnsureBucket(ctx context.Context) (bool, error) {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return false, fmt.Errorf("failed to check bucket %s: %w", m.cfg.Bucket, err)
	}
	if exists {
		return false, nil
	}

	if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
		return false, fmt.Errorf("failed to create bucket %s: %w", m.cfg.Bucket, err)
	}
	return true, nil
}

// Upload stores a local file as object and returns its URL. The content
// type is derived from the file name when contentType is empty.
func (m *Minio) Upload(ctx context.Context, localPath, object, contentType string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", localPath)
	}

	if object == "" {
		object = filepath.Base(localPath)
	}
	contentType = ai.DetectMIMEType(contentType, localPath)

	if _, err := m.client.FPutObject(ctx, m.cfg.Bucket, object, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", object, err)
	}
	return m.URL(object), nil
}

// URL is the path-style address of object in the bucket.
func (m *Minio) URL(object string) string {
	base := m.cfg.PublicURL
	if base == "" {
		scheme := "http"
		if m.cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + m.cfg.Endpoint
	}

	segments := strings.Split(strings.TrimLeft(object, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + m.cfg.Bucket + "/" + strings.Join(segments, "/")
}
