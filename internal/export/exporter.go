// Package export copies prompt backup snapshots off the data directory, to S3 or a local mirror.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dictation-optimizer/internal/atomicfile"
	"dictation-optimizer/internal/config"
	"dictation-optimizer/internal/models"
)

// ErrNoDestination is returned by New when neither a bucket nor an export dir is configured.
var ErrNoDestination = errors.New("export: no backup destination configured")

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes backup snapshots as JSON under backups/<agent>/vNNN.json.
type Exporter struct {
	uploader Uploader
}

// Configured reports whether cfg names any export destination.
func Configured(cfg config.Config) bool {
	return cfg.BackupS3Bucket != "" || cfg.BackupExportDir != ""
}

// New picks the S3 uploader when a bucket is configured and the local mirror otherwise.
func New(ctx context.Context, cfg config.Config) (*Exporter, error) {
	switch {
	case cfg.BackupS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewWithUploader(&s3Uploader{client: client, bucket: cfg.BackupS3Bucket}), nil
	case cfg.BackupExportDir != "":
		return NewWithUploader(&localUploader{baseDir: cfg.BackupExportDir}), nil
	}
	return nil, ErrNoDestination
}

// NewWithUploader wraps an arbitrary uploader.
func NewWithUploader(u Uploader) *Exporter {
	return &Exporter{uploader: u}
}

// NewLocal mirrors backups into dir.
func NewLocal(dir string) *Exporter {
	return NewWithUploader(&localUploader{baseDir: dir})
}

// Key is the object key of a version snapshot.
func Key(v models.PromptVersion) string {
	return fmt.Sprintf("backups/%s/v%03d.json", v.AgentType, v.Iteration)
}

// Export uploads the version document.
func (e *Exporter) Export(ctx context.Context, v models.PromptVersion) (string, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: encode %s v%d: %w", v.AgentType, v.Iteration, err)
	}
	return e.uploader.Upload(ctx, Key(v), body, "application/json")
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BackupS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BackupS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BackupS3Endpoint)
		}
		o.UsePathStyle = cfg.BackupS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	if key == "." || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("export: invalid key %q", key)
	}
	path := filepath.Join(l.baseDir, key)
	if err := atomicfile.WriteFile(path, body, 0o644); err != nil {
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
