package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// ObjectStore receives closed segment files.
type ObjectStore interface {
	PutFile(ctx context.Context, key, filePath string) error
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
}

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client *minio.Client
	bucket string
	config MinIOConfig
	logger recorderlog.Logger

	uploads      atomic.Uint64
	uploadBytes  atomic.Uint64
	uploadErrors atomic.Uint64
}

// NewMinIOStore connects to the endpoint and creates the bucket if missing.
func NewMinIOStore(ctx context.Context, config MinIOConfig, log recorderlog.Logger) (*MinIOStore, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 5 * time.Minute
	}
	if log == nil {
		log = recorderlog.L()
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client: client,
		bucket: config.Bucket,
		config: config,
		logger: log.Named("minio-store"),
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", recorderlog.String("bucket", config.Bucket))
	}
	return store, nil
}

// PutFile uploads a file to storage
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	info, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: detectContentType(filePath),
	})
	if err != nil {
		s.uploadErrors.Add(1)
		return &StorageError{Op: "put_file", Key: key, Err: err, Retryable: ctx.Err() == nil}
	}

	s.uploads.Add(1)
	s.uploadBytes.Add(uint64(info.Size))
	s.logger.Debug("Object uploaded",
		recorderlog.String("key", key),
		recorderlog.Int64("size", info.Size),
		recorderlog.String("etag", info.ETag))
	return nil
}

// Metrics returns upload statistics.
func (s *MinIOStore) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"uploads":       s.uploads.Load(),
		"upload_bytes":  s.uploadBytes.Load(),
		"upload_errors": s.uploadErrors.Load(),
	}
}

func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
