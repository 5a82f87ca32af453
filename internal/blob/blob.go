// Package blob stores snapshot archives in S3 or a local directory.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Download when no object exists under the key.
var ErrNotFound = errors.New("blob not found")

// Store is the blob storage used for snapshot archives.
type Store interface {
	// Upload writes data under key and returns the stored path.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	// Remove deletes the given keys. Missing keys are not an error.
	Remove(ctx context.Context, keys ...string) error
}

// SnapshotKey returns the storage key of a snapshot archive.
func SnapshotKey(projectID, snapshotID string) string {
	return fmt.Sprintf("project-zips/%s/%s.zip", projectID, snapshotID)
}
