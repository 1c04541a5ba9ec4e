package object

import (
	"time"

	"github.com/cofferfs/coffer/internal/metadata"
)

// Info describes one object version.
type Info struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version_id"`

	Size        int64  `json:"size"`
	ETag        string `json:"etag"`
	ContentType string `json:"content_type,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	DeleteMarker bool `json:"delete_marker,omitempty"`
	IsLatest     bool `json:"is_latest"`

	LastModified time.Time `json:"last_modified"`
}

// PutOptions carries the caller-supplied attributes of a put.
type PutOptions struct {
	Bucket      string
	Key         string
	ContentType string
	Metadata    map[string]string
}

// GetOptions selects what to read. A zero value reads the full latest
// version.
type GetOptions struct {
	// VersionID pins a specific version; empty means latest.
	VersionID string

	// Range selects a byte window when non-nil.
	Range *ByteRange
}

// ByteRange is a half-open byte window [Offset, Offset+Length).
// Length < 0 means "to the end".
type ByteRange struct {
	Offset int64
	Length int64
}

// DeleteResult reports what a delete did.
type DeleteResult struct {
	// VersionID of the version removed, or of the delete marker written.
	VersionID string

	// DeleteMarker is true when a marker was written instead of data
	// being removed.
	DeleteMarker bool
}

// ListResult is one page of a listing.
type ListResult struct {
	Objects []*Info

	// NextToken resumes the listing when non-empty. Opaque.
	NextToken string
}

func infoFrom(v *metadata.VersionMetadata) *Info {
	return &Info{
		Bucket:       v.Bucket,
		Key:          v.Key,
		VersionID:    v.VersionID,
		Size:         v.Size,
		ETag:         v.ETag,
		ContentType:  v.ContentType,
		Metadata:     v.Metadata,
		DeleteMarker: v.DeleteMarker,
		IsLatest:     v.IsLatest,
		LastModified: v.LastModified,
	}
}
