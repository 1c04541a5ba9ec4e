package storage

import (
	"context"
	"fmt"
	"io"
)

// Backend is the byte-level data engine. It owns raw blob placement and
// is addressed only by the opaque locations it issues from Put.
type Backend interface {
	// Put streams data into a fresh location, computing the content
	// digest while writing. The blob becomes visible atomically: a
	// failed Put leaves no retrievable location behind.
	Put(ctx context.Context, data io.Reader) (*PutResult, error)

	// Get opens the blob at location for reading.
	Get(ctx context.Context, location string) (io.ReadCloser, error)

	// GetRange opens a byte range [offset, offset+length) of the blob.
	// A negative length means "to the end".
	GetRange(ctx context.Context, location string, offset, length int64) (io.ReadCloser, error)

	// Stat reports existence and size of a blob.
	Stat(ctx context.Context, location string) (*BlobInfo, error)

	// Verify re-reads the blob and compares its digest to etag.
	Verify(ctx context.Context, location, etag string) error

	// Delete removes a blob. Deleting a non-existent location is not an
	// error.
	Delete(ctx context.Context, location string) error

	// Lifecycle
	Close() error
}

// NewBackend creates a storage backend based on configuration.
func NewBackend(config Config) (Backend, error) {
	switch config.Backend {
	case "filesystem", "":
		// Empty string defaults to filesystem
		return NewFilesystemBackend(config)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (only 'filesystem' is currently supported)", config.Backend)
	}
}
