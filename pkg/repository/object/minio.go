package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/config"
)

const maxAttempts = 3

type minioStorage struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOStorage creates a new object.Storage implementation using MinIO and
// creates the content bucket if it doesn't exist.
func NewMinIOStorage(ctx context.Context, cfg config.MinioConfig, logger *zap.Logger) (Storage, error) {
	logger = logger.With(
		zap.String("host:port", cfg.Host+":"+cfg.Port),
		zap.String("user", cfg.User),
		zap.String("bucket", cfg.BucketName),
	)

	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Password, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		logger.Info("Successfully created bucket")
	} else {
		logger.Info("Bucket already exists")
	}

	return &minioStorage{
		client: client,
		bucket: cfg.BucketName,
		logger: logger,
	}, nil
}

// UploadFile implements object.Storage.UploadFile
func (m *minioStorage) UploadFile(ctx context.Context, filePath string, content []byte, mimeType string) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Readers can only be consumed once.
		_, err = m.client.PutObject(
			ctx,
			m.bucket,
			filePath,
			bytes.NewReader(content),
			int64(len(content)),
			minio.PutObjectOptions{ContentType: mimeType},
		)
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to upload file to MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("uploading file to MinIO: %w", err)
}

// DeleteFile implements object.Storage.DeleteFile
func (m *minioStorage) DeleteFile(ctx context.Context, filePath string) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = m.client.RemoveObject(ctx, m.bucket, filePath, minio.RemoveObjectOptions{})
		if err == nil {
			return nil
		}
		m.logger.Error("Failed to delete file from MinIO, retrying...", zap.String("filePath", filePath), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return fmt.Errorf("deleting file from MinIO: %w", err)
}

// GetFile implements object.Storage.GetFile
func (m *minioStorage) GetFile(ctx context.Context, filePath string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucket, filePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting file from MinIO: %w", err)
	}
	defer object.Close()

	content, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("reading file from MinIO: %w", err)
	}
	return content, nil
}

// GetBucket implements object.Storage.GetBucket
func (m *minioStorage) GetBucket() string {
	return m.bucket
}
