// Package storage implements the destination backends backup artifacts are
// replicated to. All backends share a uniform contract; callers never parse
// the opaque backup_id a backend assigns (a relative filename for local, a
// full remote path for SFTP, a file id for Google Drive).
package storage

import (
	"context"
	"io"
	"time"
)

// Object is the metadata of one stored artifact.
type Object struct {
	// ID is the backend-specific opaque identifier.
	ID        string
	Name      string
	SizeBytes int64
	CreatedAt time.Time
}

// Backend is the uniform destination contract. Every call may block on
// network I/O and must honor context cancellation. Errors are classified
// transient or permanent via Transient/Permanent wrappers.
type Backend interface {
	// Put stores the stream under the logical path (target folder plus
	// filename) and returns the stored object's metadata.
	Put(ctx context.Context, logicalPath string, r io.Reader) (Object, error)

	// List returns objects whose name starts with prefix, newest first,
	// plus the total number of matching objects before pagination.
	List(ctx context.Context, prefix string, limit, offset int) ([]Object, int64, error)

	// Get opens the stored object for reading.
	Get(ctx context.Context, backupID, name string) (io.ReadCloser, error)

	// Delete removes the stored object. Deleting an object that is already
	// gone is not an error.
	Delete(ctx context.Context, backupID, name string) error

	// TestConnection verifies the backend is reachable and writable and
	// returns a human-readable status message.
	TestConnection(ctx context.Context) (string, error)
}

// paginate applies limit/offset to an already-sorted object list.
func paginate(objects []Object, limit, offset int) []Object {
	if offset >= len(objects) {
		return nil
	}
	objects = objects[offset:]
	if limit > 0 && limit < len(objects) {
		objects = objects[:limit]
	}
	return objects
}
