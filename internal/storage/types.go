package storage

import "errors"

// Common storage errors
var (
	ErrLocationNotFound = errors.New("storage location not found")
	ErrInvalidLocation  = errors.New("invalid storage location")
	ErrStorageFull      = errors.New("storage full")
	ErrIO               = errors.New("storage I/O failure")
	ErrDigestMismatch   = errors.New("content digest mismatch")
)

// Config defines storage backend configuration
type Config struct {
	Backend string `mapstructure:"backend"` // filesystem

	// Filesystem backend
	Root string `mapstructure:"root"`

	// WriteRetries is how many times a failed write is retried internally
	// before the error is surfaced to the caller. ErrStorageFull is never
	// retried.
	WriteRetries int `mapstructure:"write_retries"`
}

// PutResult describes a blob written by Put. Location is an opaque
// reference issued by the backend; callers persist it and pass it back
// verbatim to Get/Delete.
type PutResult struct {
	Location string
	ETag     string
	Size     int64
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Location string
	Size     int64
}
