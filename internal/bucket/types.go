package bucket

import (
	"errors"
	"fmt"
	"time"

	"github.com/cofferfs/coffer/internal/errdefs"
)

// Common errors. The validation sentinels wrap errdefs.ErrInvalidArgument
// so they classify as invalid-request without a special case.
var (
	ErrInvalidBucketName = fmt.Errorf("invalid bucket name: %w", errdefs.ErrInvalidArgument)
	ErrInvalidVersioning = fmt.Errorf("invalid versioning mode: %w", errdefs.ErrInvalidArgument)
	ErrNoPolicy          = errors.New("bucket has no policy attached")
)

// Info is the external view of a bucket.
type Info struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Versioning string    `json:"versioning"`

	ObjectCount int64 `json:"object_count"`
	TotalSize   int64 `json:"total_size"`
}
