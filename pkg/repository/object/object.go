package object

import (
	"context"
	"net/url"
	"path"
)

// ContentDir is the folder holding the content downloaded from remote
// drives. Content is keyed by remote identity so knowledge bases syncing the
// same item share one object.
const ContentDir = "drive-content"

// ContentPath returns the object path of a remote item's content.
// Format: drive-content/drive-{driveID}/item-{itemID}
func ContentPath(driveID, itemID string) string {
	return path.Join(ContentDir, "drive-"+url.PathEscape(driveID), "item-"+url.PathEscape(itemID))
}

// Storage defines the interface for object storage operations
// Implementations: MinIO (default), GCS
type Storage interface {
	UploadFile(ctx context.Context, filePath string, content []byte, mimeType string) error
	// DeleteFile removes an object. Deleting a missing object isn't an
	// error.
	DeleteFile(ctx context.Context, filePath string) error
	GetFile(ctx context.Context, filePath string) ([]byte, error)

	// GetBucket returns the bucket name for this storage backend
	GetBucket() string
}
