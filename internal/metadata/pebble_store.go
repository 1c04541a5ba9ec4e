package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/sstable"
	"github.com/sirupsen/logrus"
)

// PebbleStore implements the Store interface using Pebble (CockroachDB's
// LSM engine). This is the default backend: its WAL survives crashes and
// commits are acknowledged only after the batch is durable when
// SyncWrites is on.
type PebbleStore struct {
	db           *pebble.DB
	ready        atomic.Bool
	logger       *logrus.Logger
	writeOpt     *pebble.WriteOptions
	bucketStatMu sync.Map // map[string]*sync.Mutex — one per bucket record
}

// NewPebbleStore creates a new Pebble-backed metadata store.
func NewPebbleStore(opts Options) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "catalog")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	cache := pebble.NewCache(128 << 20) // 128 MB block cache
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: opts.Logger},
	}
	pebbleOpts.Levels[0].Compression = func() *sstable.CompressionProfile { return sstable.SnappyCompression }

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpt := pebble.Sync
	if !opts.SyncWrites {
		writeOpt = pebble.NoSync
	}

	store := &PebbleStore{
		db:       db,
		logger:   opts.Logger,
		writeOpt: writeOpt,
	}
	store.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"path": dbPath,
		"sync": opts.SyncWrites,
	}).Info("Pebble catalog initialized")
	return store, nil
}

// ==================== KV Helpers ====================

// pebbleGet reads a single key and returns a safe copy of the value.
func (s *PebbleStore) pebbleGet(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

// pebbleIter creates a prefix-bounded iterator over [lower, prefixEnd(lower)).
func (s *PebbleStore) pebbleIter(lower []byte) (*pebble.Iterator, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	return iter, nil
}

func (s *PebbleStore) pebbleExists(key []byte) (bool, error) {
	if _, closer, err := s.db.Get(key); err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	} else {
		_ = closer.Close()
		return true, nil
	}
}

// ==================== Bucket Operations ====================

// CreateBucket creates a new bucket record, enforcing name uniqueness.
func (s *PebbleStore) CreateBucket(ctx context.Context, bucket *BucketMetadata) error {
	if bucket == nil || bucket.Name == "" {
		return fmt.Errorf("bucket metadata cannot be nil or unnamed")
	}

	key := bucketKey(bucket.Name)
	exists, err := s.pebbleExists(key)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return ErrBucketAlreadyExists
	}

	now := time.Now()
	if bucket.CreatedAt.IsZero() {
		bucket.CreatedAt = now
	}
	bucket.UpdatedAt = now
	if bucket.Versioning == "" {
		bucket.Versioning = VersioningSuspended
	}

	data, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket: %w", err)
	}
	if err := s.db.Set(key, data, s.writeOpt); err != nil {
		return fmt.Errorf("failed to store bucket: %w", err)
	}

	s.logger.WithField("bucket", bucket.Name).Debug("Bucket created in catalog")
	return nil
}

// GetBucket retrieves a bucket record by name.
func (s *PebbleStore) GetBucket(ctx context.Context, name string) (*BucketMetadata, error) {
	data, err := s.pebbleGet(bucketKey(name))
	if err == pebble.ErrNotFound {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	var bucket BucketMetadata
	if err := json.Unmarshal(data, &bucket); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bucket: %w", err)
	}
	return &bucket, nil
}

// UpdateBucket replaces an existing bucket record.
func (s *PebbleStore) UpdateBucket(ctx context.Context, bucket *BucketMetadata) error {
	if bucket == nil {
		return fmt.Errorf("bucket metadata cannot be nil")
	}

	key := bucketKey(bucket.Name)
	exists, err := s.pebbleExists(key)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return ErrBucketNotFound
	}

	bucket.UpdatedAt = time.Now()
	data, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket: %w", err)
	}
	return s.db.Set(key, data, s.writeOpt)
}

// DeleteBucket removes a bucket record.
func (s *PebbleStore) DeleteBucket(ctx context.Context, name string) error {
	key := bucketKey(name)
	exists, err := s.pebbleExists(key)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return ErrBucketNotFound
	}

	if err := s.db.Delete(key, s.writeOpt); err != nil {
		return fmt.Errorf("failed to delete bucket: %w", err)
	}
	s.logger.WithField("bucket", name).Debug("Bucket deleted from catalog")
	return nil
}

// ListBuckets lists all bucket records sorted by name.
func (s *PebbleStore) ListBuckets(ctx context.Context) ([]*BucketMetadata, error) {
	iter, err := s.pebbleIter(bucketListPrefix())
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var buckets []*BucketMetadata
	for iter.First(); iter.Valid(); iter.Next() {
		var bucket BucketMetadata
		if err := json.Unmarshal(iter.Value(), &bucket); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal bucket record")
			continue
		}
		buckets = append(buckets, &bucket)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during bucket list: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// BucketExists checks if a bucket record exists.
func (s *PebbleStore) BucketExists(ctx context.Context, name string) (bool, error) {
	return s.pebbleExists(bucketKey(name))
}

// getBucketStatMutex returns a per-bucket mutex serialising stat updates.
func (s *PebbleStore) getBucketStatMutex(name string) *sync.Mutex {
	mu, _ := s.bucketStatMu.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// UpdateBucketStats atomically adjusts the cached object count and size.
func (s *PebbleStore) UpdateBucketStats(ctx context.Context, name string, objectDelta, sizeDelta int64) error {
	mu := s.getBucketStatMutex(name)
	mu.Lock()
	defer mu.Unlock()

	data, err := s.pebbleGet(bucketKey(name))
	if err == pebble.ErrNotFound {
		return ErrBucketNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get bucket: %w", err)
	}

	var bucket BucketMetadata
	if err := json.Unmarshal(data, &bucket); err != nil {
		return fmt.Errorf("failed to unmarshal bucket: %w", err)
	}

	bucket.ObjectCount += objectDelta
	bucket.TotalSize += sizeDelta
	bucket.UpdatedAt = time.Now()
	if bucket.ObjectCount < 0 {
		bucket.ObjectCount = 0
	}
	if bucket.TotalSize < 0 {
		bucket.TotalSize = 0
	}

	newData, err := json.Marshal(&bucket)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket: %w", err)
	}
	return s.db.Set(bucketKey(name), newData, s.writeOpt)
}

// HasObjects reports whether any version entry exists in the bucket.
func (s *PebbleStore) HasObjects(ctx context.Context, bucket string) (bool, error) {
	iter, err := s.pebbleIter(versionListPrefix(bucket, ""))
	if err != nil {
		return false, err
	}
	defer iter.Close() //nolint:errcheck
	return iter.First(), iter.Error()
}

// ==================== Lifecycle ====================

// Close shuts down the Pebble store. A final sync flushes any NoSync
// writes before the WAL is closed.
func (s *PebbleStore) Close() error {
	s.ready.Store(false)
	s.logger.Info("Closing Pebble catalog")
	if err := s.db.Flush(); err != nil {
		s.logger.WithError(err).Warn("Pebble flush on close failed")
	}
	return s.db.Close()
}

// IsReady returns true when the store is ready to serve requests.
func (s *PebbleStore) IsReady() bool {
	return s.ready.Load()
}

// ==================== Logger adapter ====================

// pebbleLogger adapts logrus to pebble's Logger interface (Infof + Fatalf).
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[pebble] "+format, args...)
}

// compile-time interface check
var _ Store = (*PebbleStore)(nil)
