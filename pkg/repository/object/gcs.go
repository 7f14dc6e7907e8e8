package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	errorsx "github.com/instill-ai/x/errors"
)

// gcsStorage implements Storage interface for Google Cloud Storage
type gcsStorage struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// GCSConfig holds GCS storage configuration
type GCSConfig struct {
	ProjectID         string
	Bucket            string
	ServiceAccountKey string // JSON string
}

// NewGCSStorage creates a new object.Storage implementation using GCS
func NewGCSStorage(ctx context.Context, config GCSConfig, logger *zap.Logger) (Storage, error) {
	if config.Bucket == "" {
		return nil, errorsx.AddMessage(
			errorsx.ErrInvalidArgument,
			"GCS bucket name is required",
		)
	}

	var opts []option.ClientOption
	if config.ServiceAccountKey != "" {
		opts = append(opts, option.WithCredentialsJSON(unwrapServiceAccountKey([]byte(config.ServiceAccountKey))))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create GCS client: %w", err),
			"Unable to connect to Google Cloud Storage. Please check your configuration.",
		)
	}

	return &gcsStorage{
		client: client,
		bucket: config.Bucket,
		logger: logger.With(
			zap.String("storage", "gcs"),
			zap.String("project", config.ProjectID),
			zap.String("bucket", config.Bucket)),
	}, nil
}

// unwrapServiceAccountKey extracts the key from a Vault response
// ({"data": {"data": {...}}}) and returns any other input unchanged.
func unwrapServiceAccountKey(key []byte) []byte {
	var vault struct {
		Data struct {
			Data json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(key, &vault); err != nil || len(vault.Data.Data) == 0 {
		return key
	}
	return vault.Data.Data
}

// UploadFile implements object.Storage.UploadFile
func (g *gcsStorage) UploadFile(ctx context.Context, filePath string, content []byte, mimeType string) error {
	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	writer := g.client.Bucket(g.bucket).Object(filePath).NewWriter(uploadCtx)
	writer.ContentType = mimeType
	writer.Metadata = map[string]string{
		"upload_time": time.Now().Format(time.RFC3339),
		"source":      "drivesync-backend",
	}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		return errorsx.AddMessage(
			fmt.Errorf("failed to write to GCS: %w", err),
			"Unable to upload file to GCS. Please try again.",
		)
	}

	if err := writer.Close(); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("failed to finalize GCS upload: %w", err),
			"Unable to complete file upload to GCS. Please try again.",
		)
	}

	g.logger.Debug("File uploaded to GCS", zap.String("path", filePath))
	return nil
}

// DeleteFile implements object.Storage.DeleteFile
func (g *gcsStorage) DeleteFile(ctx context.Context, filePath string) error {
	if err := g.client.Bucket(g.bucket).Object(filePath).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			g.logger.Debug("Object already deleted", zap.String("path", filePath))
			return nil
		}
		return errorsx.AddMessage(
			fmt.Errorf("failed to delete GCS object: %w", err),
			"Unable to delete file from GCS.",
		)
	}

	g.logger.Debug("File deleted from GCS", zap.String("path", filePath))
	return nil
}

// GetFile implements object.Storage.GetFile
func (g *gcsStorage) GetFile(ctx context.Context, filePath string) ([]byte, error) {
	reader, err := g.client.Bucket(g.bucket).Object(filePath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", filePath, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// GetBucket implements object.Storage.GetBucket
func (g *gcsStorage) GetBucket() string {
	return g.bucket
}
