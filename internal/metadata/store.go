package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Common errors
var (
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrBucketAlreadyExists = errors.New("bucket already exists")
	ErrObjectNotFound      = errors.New("object not found")
	ErrVersionNotFound     = errors.New("version not found")
	ErrUploadNotFound      = errors.New("multipart upload not found")
	ErrPartNotFound        = errors.New("part not found")
	ErrInvalidKey          = errors.New("invalid key")
)

// Store is the durable metadata catalog. It is the single source of
// truth for buckets, object version chains and multipart upload
// sessions; every mutation is committed to the backing KV engine before
// it is acknowledged.
type Store interface {
	// ==================== Bucket Operations ====================

	// CreateBucket creates a new bucket record. Fails with
	// ErrBucketAlreadyExists when the name is taken.
	CreateBucket(ctx context.Context, bucket *BucketMetadata) error

	// GetBucket retrieves a bucket record by name.
	GetBucket(ctx context.Context, name string) (*BucketMetadata, error)

	// UpdateBucket replaces an existing bucket record.
	UpdateBucket(ctx context.Context, bucket *BucketMetadata) error

	// DeleteBucket removes a bucket record. The caller is responsible
	// for the bucket-empty check.
	DeleteBucket(ctx context.Context, name string) error

	// ListBuckets lists all bucket records sorted by name.
	ListBuckets(ctx context.Context) ([]*BucketMetadata, error)

	// BucketExists checks if a bucket record exists.
	BucketExists(ctx context.Context, name string) (bool, error)

	// UpdateBucketStats atomically adjusts the cached object count and
	// total size of a bucket.
	UpdateBucketStats(ctx context.Context, name string, objectDelta, sizeDelta int64) error

	// HasObjects reports whether any version entry (including delete
	// markers) exists in the bucket.
	HasObjects(ctx context.Context, bucket string) (bool, error)

	// ==================== Version Chain Operations ====================

	// PutVersion appends a version to the (bucket, key) chain. When
	// version.IsLatest is set the head record is replaced and prior
	// versions are demoted. The write is atomic.
	PutVersion(ctx context.Context, version *VersionMetadata) error

	// GetLatest returns the head of the chain, which may be a delete
	// marker.
	GetLatest(ctx context.Context, bucket, key string) (*VersionMetadata, error)

	// GetVersion returns a specific version of a key.
	GetVersion(ctx context.Context, bucket, key, versionID string) (*VersionMetadata, error)

	// DeleteVersion removes one version from the chain. When the head
	// was removed the next-newest version (if any) is promoted to head.
	DeleteVersion(ctx context.Context, bucket, key, versionID string) error

	// ListObjects iterates chain heads in lexicographic key order,
	// skipping delete markers. marker is an opaque value from a prior
	// call's nextMarker; empty nextMarker means the listing is complete.
	ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) (versions []*VersionMetadata, nextMarker string, err error)

	// ListVersions iterates all versions (delete markers included) in
	// lexicographic key order, newest version first within a key, with
	// the same marker contract as ListObjects.
	ListVersions(ctx context.Context, bucket, prefix, marker string, maxKeys int) (versions []*VersionMetadata, nextMarker string, err error)

	// ==================== Multipart Uploads ====================

	// CreateUpload records a new multipart upload session.
	CreateUpload(ctx context.Context, upload *UploadMetadata) error

	// GetUpload retrieves a session (any state, tombstones included).
	GetUpload(ctx context.Context, uploadID string) (*UploadMetadata, error)

	// UpdateUpload replaces a session record (state transitions).
	// UpdatedAt is the caller's to maintain.
	UpdateUpload(ctx context.Context, upload *UploadMetadata) error

	// DeleteUpload purges a session record, its bucket index entry and
	// any remaining part records.
	DeleteUpload(ctx context.Context, uploadID string) error

	// ListUploads lists sessions for a bucket, most recent first,
	// filtered by key prefix. Only active (non-terminal) sessions are
	// returned.
	ListUploads(ctx context.Context, bucket, prefix string, maxUploads int) ([]*UploadMetadata, error)

	// ListAllUploads returns every session in every state. Used by the
	// background sweeper to build its snapshot.
	ListAllUploads(ctx context.Context) ([]*UploadMetadata, error)

	// HasUploads reports whether the bucket has any active session.
	HasUploads(ctx context.Context, bucket string) (bool, error)

	// PutPart records a part, replacing any prior record for the same
	// part number (last write wins).
	PutPart(ctx context.Context, part *PartMetadata) error

	// GetPart retrieves one part record.
	GetPart(ctx context.Context, uploadID string, partNumber int) (*PartMetadata, error)

	// ListParts lists part records sorted by part number.
	ListParts(ctx context.Context, uploadID string) ([]*PartMetadata, error)

	// DeleteParts removes all part records of a session.
	DeleteParts(ctx context.Context, uploadID string) error

	// ==================== Lifecycle ====================

	// Close flushes and closes the store.
	Close() error

	// IsReady returns true when the store can serve requests.
	IsReady() bool
}

// Options configures a metadata store backend.
type Options struct {
	DataDir string

	// SyncWrites commits every mutation to the WAL before acknowledging.
	// Required for the crash-durability contract; disable only for
	// throwaway deployments.
	SyncWrites bool

	Logger *logrus.Logger
}

// NewStore creates a metadata store for the configured backend.
func NewStore(backend string, opts Options) (Store, error) {
	switch backend {
	case "pebble", "":
		return NewPebbleStore(opts)
	case "badger":
		return NewBadgerStore(opts)
	default:
		return nil, fmt.Errorf("unsupported metadata backend: %s (supported: pebble, badger)", backend)
	}
}
