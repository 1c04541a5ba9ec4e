// Package object implements the versioned object namespace: puts that
// never overwrite bytes in place, delete markers, range reads and
// paginated listings, coordinated across the blob store and the
// metadata catalog.
package object

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/cofferfs/coffer/internal/errdefs"
	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/storage"
)

// MaxKeyLength is the longest accepted object key, in bytes.
const MaxKeyLength = 1024

// Manager coordinates object operations. Blob writes happen outside
// the per-key lock; only the catalog mutation is serialized, so two
// concurrent puts of the same key both land and the later chain commit
// wins the head.
type Manager struct {
	store   metadata.Store
	backend storage.Backend
	logger  *logrus.Logger

	// verifyOnRead re-hashes every blob against its recorded digest
	// before serving it.
	verifyOnRead bool

	// keyLocks serializes chain mutations per (bucket, key).
	keyLocks sync.Map
}

// NewManager creates an object manager.
func NewManager(store metadata.Store, backend storage.Backend, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{store: store, backend: backend, logger: logger}
}

// SetVerifyOnRead toggles digest verification on every read. Expensive:
// each Get re-reads the full blob once before serving it. Used by the
// composition root for paranoid deployments.
func (m *Manager) SetVerifyOnRead(enabled bool) {
	m.verifyOnRead = enabled
}

func (m *Manager) lockKey(bucket, key string) func() {
	id := bucket + "\x00" + key
	mu, _ := m.keyLocks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// validateKey enforces the object key rules: non-empty UTF-8, at most
// MaxKeyLength bytes.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", metadata.ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds %d bytes", metadata.ErrInvalidKey, MaxKeyLength)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key is not valid UTF-8", metadata.ErrInvalidKey)
	}
	return nil
}

// Put stores a new object version. In a versioning-enabled bucket the
// prior version survives in the chain; otherwise it is replaced and its
// bytes reclaimed best-effort. The blob is durable before the catalog
// commit, so a crash between the two leaks at most an unreferenced
// blob, never a dangling catalog entry.
func (m *Manager) Put(ctx context.Context, opts PutOptions, reader io.Reader) (*Info, error) {
	if err := validateKey(opts.Key); err != nil {
		return nil, err
	}
	if _, err := m.store.GetBucket(ctx, opts.Bucket); err != nil {
		return nil, err
	}

	result, err := m.backend.Put(ctx, reader)
	if err != nil {
		return nil, err
	}
	return m.commit(ctx, opts, result, result.ETag)
}

// CommitAssembled publishes an already-stored blob as a new object
// version. The multipart coordinator uses this after assembly: the
// blob's own digest is kept for integrity checks while the visible ETag
// is the caller's composite.
func (m *Manager) CommitAssembled(ctx context.Context, opts PutOptions, result *storage.PutResult, etag string) (*Info, error) {
	if err := validateKey(opts.Key); err != nil {
		return nil, err
	}
	return m.commit(ctx, opts, result, etag)
}

// commit links a stored blob into the (bucket, key) chain under the
// per-key lock, applying the bucket's versioning mode.
func (m *Manager) commit(ctx context.Context, opts PutOptions, result *storage.PutResult, etag string) (*Info, error) {
	bucketMeta, err := m.store.GetBucket(ctx, opts.Bucket)
	if err != nil {
		m.reclaim(ctx, result.Location)
		return nil, err
	}

	unlock := m.lockKey(opts.Bucket, opts.Key)
	defer unlock()

	version := &metadata.VersionMetadata{
		Bucket:        opts.Bucket,
		Key:           opts.Key,
		VersionID:     metadata.NewVersionID(),
		Size:          result.Size,
		ETag:          etag,
		ContentDigest: result.ETag,
		ContentType:   opts.ContentType,
		Location:      result.Location,
		Metadata:      opts.Metadata,
		IsLatest:      true,
	}

	prior, err := m.store.GetLatest(ctx, opts.Bucket, opts.Key)
	if err != nil && !errors.Is(err, metadata.ErrObjectNotFound) {
		m.reclaim(ctx, result.Location)
		return nil, err
	}

	if err := m.store.PutVersion(ctx, version); err != nil {
		m.reclaim(ctx, result.Location)
		return nil, err
	}

	objectDelta := int64(0)
	sizeDelta := result.Size
	if prior == nil || prior.DeleteMarker {
		objectDelta = 1
	}

	// Without versioning a key holds a single version: the replaced one
	// is dropped from the chain and its bytes reclaimed.
	if bucketMeta.Versioning != metadata.VersioningEnabled && prior != nil {
		if err := m.store.DeleteVersion(ctx, opts.Bucket, opts.Key, prior.VersionID); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"bucket": opts.Bucket,
				"key":    opts.Key,
			}).Warn("Failed to drop replaced version")
		} else {
			sizeDelta -= prior.Size
			m.reclaim(ctx, prior.Location)
		}
	}

	if err := m.store.UpdateBucketStats(ctx, opts.Bucket, objectDelta, sizeDelta); err != nil {
		m.logger.WithError(err).WithField("bucket", opts.Bucket).Warn("Failed to update bucket stats")
	}

	m.logger.WithFields(logrus.Fields{
		"bucket":     opts.Bucket,
		"key":        opts.Key,
		"version_id": version.VersionID,
		"size":       result.Size,
	}).Debug("Object stored")
	return infoFrom(version), nil
}

// reclaim deletes a blob best-effort. Failure leaves an unreferenced
// blob for the integrity sweep to find; it never fails the operation.
func (m *Manager) reclaim(ctx context.Context, location string) {
	if location == "" {
		return
	}
	if err := m.backend.Delete(ctx, location); err != nil {
		m.logger.WithError(err).WithField("location", location).Warn("Failed to reclaim blob")
	}
}

// resolve finds the version a read refers to: the pinned version, or a
// readable head.
func (m *Manager) resolve(ctx context.Context, bucket, key, versionID string) (*metadata.VersionMetadata, error) {
	if exists, err := m.store.BucketExists(ctx, bucket); err != nil {
		return nil, err
	} else if !exists {
		return nil, metadata.ErrBucketNotFound
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if versionID != "" {
		return m.store.GetVersion(ctx, bucket, key, versionID)
	}

	head, err := m.store.GetLatest(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if head.DeleteMarker {
		return nil, fmt.Errorf("key %q is delete-marked: %w", key, metadata.ErrObjectNotFound)
	}
	return head, nil
}

// Get opens an object version for reading.
func (m *Manager) Get(ctx context.Context, bucket, key string, opts GetOptions) (*Info, io.ReadCloser, error) {
	version, err := m.resolve(ctx, bucket, key, opts.VersionID)
	if err != nil {
		return nil, nil, err
	}
	if version.DeleteMarker {
		return nil, nil, fmt.Errorf("version %q is a delete marker: %w", version.VersionID, metadata.ErrObjectNotFound)
	}

	if m.verifyOnRead {
		if err := m.backend.Verify(ctx, version.Location, contentDigest(version)); err != nil {
			return nil, nil, err
		}
	}

	if opts.Range != nil {
		r := opts.Range
		if r.Offset < 0 || r.Offset > version.Size || (r.Length >= 0 && r.Offset+r.Length > version.Size) {
			return nil, nil, fmt.Errorf("%w: [%d,+%d) outside object of %d bytes",
				errdefs.ErrInvalidRange, r.Offset, r.Length, version.Size)
		}
		reader, err := m.backend.GetRange(ctx, version.Location, r.Offset, r.Length)
		if err != nil {
			return nil, nil, err
		}
		return infoFrom(version), reader, nil
	}

	reader, err := m.backend.Get(ctx, version.Location)
	if err != nil {
		return nil, nil, err
	}
	return infoFrom(version), reader, nil
}

// Head returns version metadata without opening the blob.
func (m *Manager) Head(ctx context.Context, bucket, key, versionID string) (*Info, error) {
	version, err := m.resolve(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	if version.DeleteMarker {
		return nil, fmt.Errorf("version %q is a delete marker: %w", version.VersionID, metadata.ErrObjectNotFound)
	}
	return infoFrom(version), nil
}

// Delete removes an object. Without a version id: a versioning-enabled
// bucket gets a delete marker, otherwise every version of the key is
// removed and reclaimed. With a version id that exact version is
// removed regardless of mode, marker versions included.
func (m *Manager) Delete(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	bucketMeta, err := m.store.GetBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	unlock := m.lockKey(bucket, key)
	defer unlock()

	if versionID != "" {
		return m.deleteVersion(ctx, bucket, key, versionID)
	}

	head, err := m.store.GetLatest(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	if bucketMeta.Versioning == metadata.VersioningEnabled {
		marker := &metadata.VersionMetadata{
			Bucket:       bucket,
			Key:          key,
			VersionID:    metadata.NewVersionID(),
			DeleteMarker: true,
			IsLatest:     true,
		}
		if err := m.store.PutVersion(ctx, marker); err != nil {
			return nil, err
		}
		if !head.DeleteMarker {
			if err := m.store.UpdateBucketStats(ctx, bucket, -1, 0); err != nil {
				m.logger.WithError(err).WithField("bucket", bucket).Warn("Failed to update bucket stats")
			}
		}
		return &DeleteResult{VersionID: marker.VersionID, DeleteMarker: true}, nil
	}

	// Unversioned: purge the whole chain.
	var objectDelta, sizeDelta int64
	if !head.DeleteMarker {
		objectDelta = -1
	}
	for {
		current, err := m.store.GetLatest(ctx, bucket, key)
		if errors.Is(err, metadata.ErrObjectNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := m.store.DeleteVersion(ctx, bucket, key, current.VersionID); err != nil {
			return nil, err
		}
		sizeDelta -= current.Size
		m.reclaim(ctx, current.Location)
	}
	if err := m.store.UpdateBucketStats(ctx, bucket, objectDelta, sizeDelta); err != nil {
		m.logger.WithError(err).WithField("bucket", bucket).Warn("Failed to update bucket stats")
	}
	return &DeleteResult{VersionID: head.VersionID}, nil
}

// deleteVersion removes one pinned version. Caller holds the key lock.
func (m *Manager) deleteVersion(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	victim, err := m.store.GetVersion(ctx, bucket, key, versionID)
	if err != nil {
		return nil, err
	}

	wasLiveHead := victim.IsLatest && !victim.DeleteMarker
	if err := m.store.DeleteVersion(ctx, bucket, key, versionID); err != nil {
		return nil, err
	}
	m.reclaim(ctx, victim.Location)

	objectDelta := int64(0)
	if wasLiveHead {
		// Live only if a non-marker version got promoted.
		head, err := m.store.GetLatest(ctx, bucket, key)
		if err != nil || head.DeleteMarker {
			objectDelta = -1
		}
	}
	if err := m.store.UpdateBucketStats(ctx, bucket, objectDelta, -victim.Size); err != nil {
		m.logger.WithError(err).WithField("bucket", bucket).Warn("Failed to update bucket stats")
	}
	return &DeleteResult{VersionID: versionID, DeleteMarker: victim.DeleteMarker}, nil
}

// ==================== Listings ====================

// encodeToken wraps a catalog marker as an opaque continuation token.
func encodeToken(marker string) string {
	if marker == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(marker))
}

func decodeToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: malformed continuation token", errdefs.ErrInvalidArgument)
	}
	return string(raw), nil
}

// List returns one page of live objects in key order.
func (m *Manager) List(ctx context.Context, bucket, prefix, token string, maxKeys int) (*ListResult, error) {
	marker, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	versions, nextMarker, err := m.store.ListObjects(ctx, bucket, prefix, marker, maxKeys)
	if err != nil {
		return nil, err
	}
	return listResultFrom(versions, nextMarker), nil
}

// ListVersions returns one page of the full version history, delete
// markers included, newest first within each key.
func (m *Manager) ListVersions(ctx context.Context, bucket, prefix, token string, maxKeys int) (*ListResult, error) {
	marker, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	versions, nextMarker, err := m.store.ListVersions(ctx, bucket, prefix, marker, maxKeys)
	if err != nil {
		return nil, err
	}
	return listResultFrom(versions, nextMarker), nil
}

func listResultFrom(versions []*metadata.VersionMetadata, nextMarker string) *ListResult {
	result := &ListResult{NextToken: encodeToken(nextMarker)}
	result.Objects = make([]*Info, 0, len(versions))
	for _, v := range versions {
		result.Objects = append(result.Objects, infoFrom(v))
	}
	return result
}
