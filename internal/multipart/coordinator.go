// Package multipart coordinates large-object uploads: sessions that
// accumulate independently uploaded parts and atomically become one
// object on completion. Part bytes go through the same blob store as
// simple puts; the catalog tracks sessions and parts durably so an
// interrupted upload survives restarts until completed, aborted or
// swept.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cofferfs/coffer/internal/errdefs"
	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/object"
	"github.com/cofferfs/coffer/internal/storage"
)

// Part number bounds, matching the S3 limits.
const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

// DefaultMinPartSize is the smallest accepted non-final part.
const DefaultMinPartSize = 5 * 1024 * 1024

// Config tunes the coordinator and its sweeper.
type Config struct {
	// MinPartSize is enforced on every part except the last at
	// completion time. Zero means DefaultMinPartSize.
	MinPartSize int64 `mapstructure:"min_part_size"`

	// IdleTimeout is how long a session may go without activity before
	// the sweeper aborts it. Zero disables idle sweeping.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// SweepInterval is the sweeper's cadence. Zero means 5 minutes.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// TombstoneRetention is how long terminal session records are kept
	// for idempotent retries before being pruned. Zero means 24 hours.
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
}

func (c Config) withDefaults() Config {
	if c.MinPartSize <= 0 {
		c.MinPartSize = DefaultMinPartSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = 24 * time.Hour
	}
	return c
}

// Upload is the external view of a session.
type Upload struct {
	UploadID  string    `json:"upload_id"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// Part is the external view of an uploaded part.
type Part struct {
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// CompletedPart is one entry of the caller's completion manifest.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// Coordinator manages multipart upload sessions.
type Coordinator struct {
	store   metadata.Store
	backend storage.Backend
	objects *object.Manager
	config  Config
	logger  *logrus.Logger

	// sessionLocks holds one RWMutex per session: part uploads share it,
	// complete and abort take it exclusively.
	sessionLocks sync.Map

	// partLocks serializes re-uploads of the same part number so the
	// superseded blob is always the one reclaimed.
	partLocks sync.Map
}

// NewCoordinator creates a multipart coordinator.
func NewCoordinator(store metadata.Store, backend storage.Backend, objects *object.Manager, config Config, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		store:   store,
		backend: backend,
		objects: objects,
		config:  config.withDefaults(),
		logger:  logger,
	}
}

func (c *Coordinator) sessionLock(uploadID string) *sync.RWMutex {
	mu, _ := c.sessionLocks.LoadOrStore(uploadID, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// partLock serializes uploads of one part number; distinct parts of the
// same session still run in parallel under the shared session lock.
func (c *Coordinator) partLock(uploadID string, partNumber int) func() {
	id := fmt.Sprintf("%s:%d", uploadID, partNumber)
	mu, _ := c.partLocks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// dropPartLocks releases the per-part lock entries of a finished session.
func (c *Coordinator) dropPartLocks(uploadID string) {
	prefix := uploadID + ":"
	c.partLocks.Range(func(key, _ interface{}) bool {
		if strings.HasPrefix(key.(string), prefix) {
			c.partLocks.Delete(key)
		}
		return true
	})
}

// Initiate opens a new session against an existing bucket.
func (c *Coordinator) Initiate(ctx context.Context, bucket, key, contentType string, userMeta map[string]string) (*Upload, error) {
	if exists, err := c.store.BucketExists(ctx, bucket); err != nil {
		return nil, err
	} else if !exists {
		return nil, metadata.ErrBucketNotFound
	}
	if key == "" || len(key) > object.MaxKeyLength {
		return nil, fmt.Errorf("%w: bad object key", metadata.ErrInvalidKey)
	}

	upload := &metadata.UploadMetadata{
		UploadID:    uuid.New().String(),
		Bucket:      bucket,
		Key:         key,
		State:       metadata.UploadStateInitiated,
		ContentType: contentType,
		Metadata:    userMeta,
	}
	if err := c.store.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"upload_id": upload.UploadID,
		"bucket":    bucket,
		"key":       key,
	}).Info("Multipart upload initiated")
	return &Upload{
		UploadID:  upload.UploadID,
		Bucket:    bucket,
		Key:       key,
		Initiated: upload.Initiated,
	}, nil
}

// activeSession loads a session and fails when it is terminal. Terminal
// sessions are logically gone for everything except a retried complete.
func (c *Coordinator) activeSession(ctx context.Context, uploadID string) (*metadata.UploadMetadata, error) {
	upload, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Terminal() {
		return nil, fmt.Errorf("upload %q is %s: %w", uploadID, upload.State, metadata.ErrUploadNotFound)
	}
	return upload, nil
}

// UploadPart stores one part. Re-uploading a part number replaces the
// prior part; the superseded bytes are reclaimed inline, best-effort.
// Parts of the same session upload concurrently; only completion and
// abort exclude them.
func (c *Coordinator) UploadPart(ctx context.Context, uploadID string, partNumber int, reader io.Reader) (*Part, error) {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: part number %d outside [%d,%d]",
			errdefs.ErrInvalidPart, partNumber, MinPartNumber, MaxPartNumber)
	}

	lock := c.sessionLock(uploadID)
	lock.RLock()
	defer lock.RUnlock()

	upload, err := c.activeSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	unlock := c.partLock(uploadID, partNumber)
	defer unlock()

	prior, err := c.store.GetPart(ctx, uploadID, partNumber)
	if err != nil && err != metadata.ErrPartNotFound {
		return nil, err
	}

	result, err := c.backend.Put(ctx, reader)
	if err != nil {
		return nil, err
	}

	part := &metadata.PartMetadata{
		UploadID:   uploadID,
		PartNumber: partNumber,
		Size:       result.Size,
		ETag:       result.ETag,
		Location:   result.Location,
	}
	if err := c.store.PutPart(ctx, part); err != nil {
		c.reclaim(ctx, result.Location)
		return nil, err
	}

	if prior != nil && prior.Location != part.Location {
		c.reclaim(ctx, prior.Location)
	}

	// Touch the session so the sweeper sees it as active.
	upload.State = metadata.UploadStateUploading
	upload.UpdatedAt = time.Now()
	if err := c.store.UpdateUpload(ctx, upload); err != nil {
		c.logger.WithError(err).WithField("upload_id", uploadID).Warn("Failed to touch session")
	}

	c.logger.WithFields(logrus.Fields{
		"upload_id":   uploadID,
		"part_number": partNumber,
		"size":        result.Size,
	}).Debug("Part stored")
	return &Part{
		PartNumber:   partNumber,
		Size:         result.Size,
		ETag:         result.ETag,
		LastModified: part.LastModified,
	}, nil
}

func (c *Coordinator) reclaim(ctx context.Context, location string) {
	if location == "" {
		return
	}
	if err := c.backend.Delete(ctx, location); err != nil {
		c.logger.WithError(err).WithField("location", location).Warn("Failed to reclaim part blob")
	}
}

// manifestDigest fingerprints a completion manifest so retried
// completes can be matched against the recorded outcome.
func manifestDigest(parts []CompletedPart) string {
	h := md5.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s;", p.PartNumber, strings.ToLower(p.ETag))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// compositeETag is the S3-style multipart ETag: md5 over the binary
// part digests, suffixed with the part count.
func compositeETag(parts []*metadata.PartMetadata) (string, error) {
	h := md5.New()
	for _, p := range parts {
		raw, err := hex.DecodeString(p.ETag)
		if err != nil {
			return "", fmt.Errorf("part %d has malformed digest %q", p.PartNumber, p.ETag)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts)), nil
}

// validateManifest checks the caller's part list against the stored
// parts and returns the stored records in manifest order.
func (c *Coordinator) validateManifest(ctx context.Context, uploadID string, manifest []CompletedPart) ([]*metadata.PartMetadata, error) {
	if len(manifest) == 0 {
		return nil, fmt.Errorf("%w: completion manifest is empty", errdefs.ErrInvalidPart)
	}

	stored := make(map[int]*metadata.PartMetadata)
	parts, err := c.store.ListParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		stored[p.PartNumber] = p
	}

	selected := make([]*metadata.PartMetadata, 0, len(manifest))
	prev := 0
	for i, entry := range manifest {
		if entry.PartNumber <= prev {
			return nil, fmt.Errorf("%w: part numbers must be strictly ascending (entry %d)", errdefs.ErrInvalidPart, i)
		}
		prev = entry.PartNumber

		part, ok := stored[entry.PartNumber]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was never uploaded", errdefs.ErrInvalidPart, entry.PartNumber)
		}
		if !strings.EqualFold(part.ETag, entry.ETag) {
			return nil, fmt.Errorf("%w: part %d digest mismatch", errdefs.ErrInvalidPart, entry.PartNumber)
		}
		selected = append(selected, part)
	}

	// Every part except the last must meet the size floor.
	for i, part := range selected[:len(selected)-1] {
		if part.Size < c.config.MinPartSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes, below the %d byte minimum",
				errdefs.ErrInvalidPart, selected[i].PartNumber, part.Size, c.config.MinPartSize)
		}
	}
	return selected, nil
}

// Complete assembles the manifest's parts into one object version. The
// assembled blob is durable before the catalog flips, and the session
// becomes a completed tombstone in the same breath; retrying the exact
// same completion afterwards returns the recorded outcome instead of
// failing.
func (c *Coordinator) Complete(ctx context.Context, uploadID string, manifest []CompletedPart) (*object.Info, error) {
	lock := c.sessionLock(uploadID)
	lock.Lock()
	defer lock.Unlock()

	upload, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Terminal() {
		return c.replayComplete(ctx, upload, manifest)
	}

	parts, err := c.validateManifest(ctx, uploadID, manifest)
	if err != nil {
		return nil, err
	}

	etag, err := compositeETag(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidPart, err)
	}

	// Assemble by streaming every part reader into a single blob put.
	readers := make([]io.Reader, 0, len(parts))
	closers := make([]io.Closer, 0, len(parts))
	defer func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}()
	for _, part := range parts {
		r, err := c.backend.Get(ctx, part.Location)
		if err != nil {
			return nil, fmt.Errorf("part %d unreadable: %w", part.PartNumber, err)
		}
		readers = append(readers, r)
		closers = append(closers, r)
	}

	result, err := c.backend.Put(ctx, io.MultiReader(readers...))
	if err != nil {
		return nil, err
	}

	info, err := c.objects.CommitAssembled(ctx, object.PutOptions{
		Bucket:      upload.Bucket,
		Key:         upload.Key,
		ContentType: upload.ContentType,
		Metadata:    upload.Metadata,
	}, result, etag)
	if err != nil {
		return nil, err
	}

	// Record the outcome, then release the parts.
	upload.State = metadata.UploadStateCompleted
	upload.UpdatedAt = time.Now()
	upload.ResultVersionID = info.VersionID
	upload.ResultETag = etag
	upload.ResultSize = result.Size
	upload.PartsDigest = manifestDigest(manifest)
	if err := c.store.UpdateUpload(ctx, upload); err != nil {
		// The version is already published but the session is still
		// open. Keep the parts so a retried complete can run the whole
		// completion again instead of tripping over released parts.
		return nil, fmt.Errorf("failed to record completion of upload %q: %w", uploadID, err)
	}
	c.releaseParts(ctx, uploadID)
	c.dropPartLocks(uploadID)

	c.logger.WithFields(logrus.Fields{
		"upload_id":  uploadID,
		"bucket":     upload.Bucket,
		"key":        upload.Key,
		"version_id": info.VersionID,
		"parts":      len(parts),
		"size":       result.Size,
	}).Info("Multipart upload completed")
	return info, nil
}

// replayComplete answers a complete against a terminal session: the
// identical retry gets the recorded outcome, everything else sees the
// session as gone.
func (c *Coordinator) replayComplete(ctx context.Context, upload *metadata.UploadMetadata, manifest []CompletedPart) (*object.Info, error) {
	if upload.State != metadata.UploadStateCompleted || upload.PartsDigest != manifestDigest(manifest) {
		return nil, fmt.Errorf("upload %q is %s: %w", upload.UploadID, upload.State, metadata.ErrUploadNotFound)
	}

	version, err := c.store.GetVersion(ctx, upload.Bucket, upload.Key, upload.ResultVersionID)
	if err != nil {
		// The resulting version has since been deleted; the retry cannot
		// be satisfied.
		return nil, fmt.Errorf("completed version gone: %w", metadata.ErrUploadNotFound)
	}
	c.logger.WithField("upload_id", upload.UploadID).Debug("Replayed completed session")
	return &object.Info{
		Bucket:       version.Bucket,
		Key:          version.Key,
		VersionID:    version.VersionID,
		Size:         version.Size,
		ETag:         version.ETag,
		ContentType:  version.ContentType,
		Metadata:     version.Metadata,
		IsLatest:     version.IsLatest,
		LastModified: version.LastModified,
	}, nil
}

// releaseParts deletes all part records and blobs of a session.
func (c *Coordinator) releaseParts(ctx context.Context, uploadID string) {
	parts, err := c.store.ListParts(ctx, uploadID)
	if err != nil {
		c.logger.WithError(err).WithField("upload_id", uploadID).Warn("Failed to list parts for release")
		return
	}
	for _, part := range parts {
		c.reclaim(ctx, part.Location)
	}
	if err := c.store.DeleteParts(ctx, uploadID); err != nil {
		c.logger.WithError(err).WithField("upload_id", uploadID).Warn("Failed to delete part records")
	}
}

// Abort cancels a session and releases its parts. Aborting an already
// aborted session is a no-op; a completed session is logically gone.
func (c *Coordinator) Abort(ctx context.Context, uploadID string) error {
	lock := c.sessionLock(uploadID)
	lock.Lock()
	defer lock.Unlock()

	upload, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	switch upload.State {
	case metadata.UploadStateAborted:
		return nil
	case metadata.UploadStateCompleted:
		return fmt.Errorf("upload %q already completed: %w", uploadID, metadata.ErrUploadNotFound)
	}

	c.releaseParts(ctx, uploadID)
	c.dropPartLocks(uploadID)
	upload.State = metadata.UploadStateAborted
	upload.UpdatedAt = time.Now()
	if err := c.store.UpdateUpload(ctx, upload); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"upload_id": uploadID,
		"bucket":    upload.Bucket,
		"key":       upload.Key,
	}).Info("Multipart upload aborted")
	return nil
}

// ListParts returns the parts of an active session sorted by number.
func (c *Coordinator) ListParts(ctx context.Context, uploadID string) ([]*Part, error) {
	lock := c.sessionLock(uploadID)
	lock.RLock()
	defer lock.RUnlock()

	if _, err := c.activeSession(ctx, uploadID); err != nil {
		return nil, err
	}

	stored, err := c.store.ListParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	parts := make([]*Part, 0, len(stored))
	for _, p := range stored {
		parts = append(parts, &Part{
			PartNumber:   p.PartNumber,
			Size:         p.Size,
			ETag:         p.ETag,
			LastModified: p.LastModified,
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// ListUploads returns the bucket's active sessions, most recent first.
func (c *Coordinator) ListUploads(ctx context.Context, bucket, prefix string, maxUploads int) ([]*Upload, error) {
	if exists, err := c.store.BucketExists(ctx, bucket); err != nil {
		return nil, err
	} else if !exists {
		return nil, metadata.ErrBucketNotFound
	}

	stored, err := c.store.ListUploads(ctx, bucket, prefix, maxUploads)
	if err != nil {
		return nil, err
	}
	uploads := make([]*Upload, 0, len(stored))
	for _, u := range stored {
		uploads = append(uploads, &Upload{
			UploadID:  u.UploadID,
			Bucket:    u.Bucket,
			Key:       u.Key,
			Initiated: u.Initiated,
		})
	}
	return uploads, nil
}
