package metadata

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// BucketMetadata is the catalog record for a bucket.
type BucketMetadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Versioning is "Suspended" or "Enabled".
	Versioning string `json:"versioning"`

	// Policy holds the attached access policy document verbatim; the
	// policy engine owns its schema.
	Policy json.RawMessage `json:"policy,omitempty"`

	// Cached stats, maintained incrementally on put/delete.
	ObjectCount int64 `json:"object_count"`
	TotalSize   int64 `json:"total_size"`
}

// Versioning modes
const (
	VersioningSuspended = "Suspended"
	VersioningEnabled   = "Enabled"
)

// VersionMetadata is one immutable entry in an object's version chain.
type VersionMetadata struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version_id"`

	Size        int64  `json:"size"`
	ETag        string `json:"etag"`
	ContentType string `json:"content_type,omitempty"`

	// ContentDigest is the md5 of the stored blob. Equals ETag for
	// simple puts; differs for multipart objects, whose ETag is the
	// composite part digest.
	ContentDigest string `json:"content_digest,omitempty"`

	// Location is the opaque storage reference issued by the object
	// store. Empty for delete markers.
	Location string `json:"location,omitempty"`

	// Metadata holds user-supplied key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	DeleteMarker bool `json:"delete_marker,omitempty"`
	IsLatest     bool `json:"is_latest"`

	LastModified time.Time `json:"last_modified"`
}

// Upload session states
const (
	UploadStateInitiated = "initiated"
	UploadStateUploading = "uploading"
	UploadStateCompleted = "completed"
	UploadStateAborted   = "aborted"
)

// UploadMetadata is the catalog record of a multipart upload session.
// Terminal sessions are kept as tombstones so a retried complete can be
// answered idempotently; the sweeper prunes them after a retention
// window.
type UploadMetadata struct {
	UploadID string `json:"upload_id"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	State    string `json:"state"`

	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	Initiated time.Time `json:"initiated"`
	UpdatedAt time.Time `json:"updated_at"`

	// Completion outcome, set only in state "completed".
	ResultVersionID string `json:"result_version_id,omitempty"`
	ResultETag      string `json:"result_etag,omitempty"`
	ResultSize      int64  `json:"result_size,omitempty"`

	// PartsDigest fingerprints the part list a completed session was
	// assembled from, so a retried complete can be matched exactly.
	PartsDigest string `json:"parts_digest,omitempty"`
}

// Terminal reports whether the session reached a terminal state.
func (u *UploadMetadata) Terminal() bool {
	return u.State == UploadStateCompleted || u.State == UploadStateAborted
}

// PartMetadata is the catalog record of one uploaded part.
type PartMetadata struct {
	UploadID   string `json:"upload_id"`
	PartNumber int    `json:"part_number"`

	Size     int64  `json:"size"`
	ETag     string `json:"etag"`
	Location string `json:"location"`

	LastModified time.Time `json:"last_modified"`
}

// ==================== Version ID Generation ====================

var lastVersionNano atomic.Int64
var versionCounter atomic.Uint64

// NewVersionID issues a version id that is strictly greater than any id
// issued before it in this process: a CAS-monotonic nanosecond timestamp
// plus a tiebreak counter, formatted fixed-width so lexicographic order
// equals issue order.
func NewVersionID() string {
	var now int64
	for {
		now = time.Now().UnixNano()
		last := lastVersionNano.Load()
		if now <= last {
			now = last + 1
		}
		if lastVersionNano.CompareAndSwap(last, now) {
			break
		}
	}
	return fmt.Sprintf("%016x-%08x", uint64(now), uint32(versionCounter.Add(1)))
}
