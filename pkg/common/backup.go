package common

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/types"
)

// BackupStore keeps an out-of-band copy of uploaded content, named by the
// virtual path's leaf name. It is never read back by orchfs.
type BackupStore interface {
	Save(ctx context.Context, name string, data []byte) error
}

// NewBackupStore returns the configured backup targets, or nil when backups are disabled.
func NewBackupStore(ctx context.Context, cfg types.BackupConfig) (BackupStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var stores MultiBackup
	if cfg.Path != "" {
		stores = append(stores, NewLocalBackup(cfg.Path))
	}
	if cfg.S3.Bucket != "" {
		s3Store, err := NewS3Backup(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3Store)
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("backup enabled but neither backup.path nor backup.s3.bucket is set")
	}
	return stores, nil
}

// MultiBackup writes to every store and returns the first error.
type MultiBackup []BackupStore

func (m MultiBackup) Save(ctx context.Context, name string, data []byte) error {
	var first error
	for _, s := range m {
		if err := s.Save(ctx, name, data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LocalBackup writes plain files under a directory.
type LocalBackup struct {
	dir string
}

func NewLocalBackup(dir string) *LocalBackup {
	return &LocalBackup{dir: dir}
}

// Save writes to a temp file and renames it into place.
func (b *LocalBackup) Save(ctx context.Context, name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	dst := filepath.Join(b.dir, filepath.Base(name))
	tmp := fmt.Sprintf("%s.%s", dst, uuid.New().String()[:6])
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}

// S3Backup uploads copies to a bucket under a key prefix.
type S3Backup struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Backup(ctx context.Context, cfg types.S3Config) (*S3Backup, error) {
	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Str("prefix", cfg.Prefix).
		Msg("s3 backup initialized")

	return &S3Backup{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func buildAWSConfig(ctx context.Context, cfg types.S3Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(3),
		config.WithRetryMode(aws.RetryModeStandard),
	}

	// Use static credentials if provided
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

func (b *S3Backup) Save(ctx context.Context, name string, data []byte) error {
	key := path.Join(b.prefix, path.Base(name))

	uploader := manager.NewUploader(b.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload backup %s: %w", key, err)
	}
	return nil
}
