// Package errdefs classifies errors from the storage, catalog, bucket,
// object and multipart layers into a small set of kinds that outer
// surfaces (admin API, audit log) can map to status codes without
// knowing every sentinel.
package errdefs

import (
	"errors"

	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/policy"
	"github.com/cofferfs/coffer/internal/storage"
)

// Kind is the coarse classification of an error.
type Kind int

const (
	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidRequest
	KindInvalidPart
	KindAccessDenied
	KindStorageFull
	KindIOFailure
)

// String names the kind for logs and audit records.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidPart:
		return "invalid_part"
	case KindAccessDenied:
		return "access_denied"
	case KindStorageFull:
		return "storage_full"
	case KindIOFailure:
		return "io_failure"
	default:
		return "internal"
	}
}

// Sentinels owned by this package. Layers that have no package of their
// own to hang a sentinel on use these directly.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidPart     = errors.New("invalid part")
	ErrInvalidRange    = errors.New("invalid range")
	ErrBucketNotEmpty  = errors.New("bucket not empty")
)

// Classify maps an error to its kind via errors.Is over the known
// sentinels.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal

	case errors.Is(err, metadata.ErrBucketNotFound),
		errors.Is(err, metadata.ErrObjectNotFound),
		errors.Is(err, metadata.ErrVersionNotFound),
		errors.Is(err, metadata.ErrUploadNotFound),
		errors.Is(err, metadata.ErrPartNotFound),
		errors.Is(err, storage.ErrLocationNotFound):
		return KindNotFound

	case errors.Is(err, metadata.ErrBucketAlreadyExists),
		errors.Is(err, ErrBucketNotEmpty):
		return KindConflict

	case errors.Is(err, ErrInvalidPart):
		return KindInvalidPart

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, metadata.ErrInvalidKey),
		errors.Is(err, storage.ErrInvalidLocation):
		return KindInvalidRequest

	case errors.Is(err, policy.ErrAccessDenied):
		return KindAccessDenied

	case errors.Is(err, storage.ErrStorageFull):
		return KindStorageFull

	case errors.Is(err, storage.ErrIO),
		errors.Is(err, storage.ErrDigestMismatch):
		return KindIOFailure

	default:
		return KindInternal
	}
}
