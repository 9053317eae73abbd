// Package archive writes operator exports (DLQ snapshots) to the local
// filesystem or to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"activity-pipeline/internal/config"
)

var ErrInvalidKey = errors.New("invalid archive key")

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver uploads to S3 when a bucket is configured and to a local
// directory otherwise.
type Archiver struct {
	target uploader
}

func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{target: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	return NewLocal(cfg.ArchiveDir), nil
}

// NewLocal returns an archiver rooted at dir.
func NewLocal(dir string) *Archiver {
	if dir == "" {
		dir = "./archive"
	}
	return &Archiver{target: &localUploader{baseDir: dir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Put stores body under key and returns where it landed (a file path or an
// s3:// URI).
func (a *Archiver) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	location, err := a.target.Upload(ctx, clean, body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + strings.TrimSpace(key)))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", ErrInvalidKey
	}
	return key, nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
