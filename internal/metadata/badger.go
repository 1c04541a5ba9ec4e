package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements the Store interface using BadgerDB. It is the
// alternate catalog backend for deployments that prefer Badger's
// value-log layout; semantics are identical to the Pebble backend.
type BadgerStore struct {
	db           *badger.DB
	ready        atomic.Bool
	logger       *logrus.Logger
	bucketStatMu sync.Map
	stopGC       chan struct{}
	gcDone       chan struct{}
}

// NewBadgerStore creates a new Badger-backed metadata store.
func NewBadgerStore(opts Options) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "catalog-badger")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	badgerOpts := badger.DefaultOptions(dbPath).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(&badgerLogger{logger: opts.Logger})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		logger: opts.Logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	store.ready.Store(true)
	go store.runValueLogGC()

	opts.Logger.WithFields(logrus.Fields{
		"path": dbPath,
		"sync": opts.SyncWrites,
	}).Info("Badger catalog initialized")
	return store, nil
}

// runValueLogGC reclaims value-log space periodically until Close.
func (s *BadgerStore) runValueLogGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// ==================== KV Helpers ====================

func (s *BadgerStore) badgerGet(key []byte) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (s *BadgerStore) badgerExists(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) badgerSet(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// badgerScan walks all entries under prefix, invoking fn with a value
// copy for each. Returning false from fn stops the scan.
func (s *BadgerStore) badgerScan(prefix []byte, fn func(key, value []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), value) {
				return nil
			}
		}
		return nil
	})
}

// ==================== Bucket Operations ====================

func (s *BadgerStore) CreateBucket(ctx context.Context, bucket *BucketMetadata) error {
	if bucket == nil || bucket.Name == "" {
		return fmt.Errorf("bucket metadata cannot be nil or unnamed")
	}

	now := time.Now()
	if bucket.CreatedAt.IsZero() {
		bucket.CreatedAt = now
	}
	bucket.UpdatedAt = now
	if bucket.Versioning == "" {
		bucket.Versioning = VersioningSuspended
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := bucketKey(bucket.Name)
		if _, err := txn.Get(key); err == nil {
			return ErrBucketAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		data, err := json.Marshal(bucket)
		if err != nil {
			return fmt.Errorf("failed to marshal bucket: %w", err)
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) GetBucket(ctx context.Context, name string) (*BucketMetadata, error) {
	data, err := s.badgerGet(bucketKey(name))
	if err == badger.ErrKeyNotFound {
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

func (s *BadgerStore) UpdateBucket(ctx context.Context, bucket *BucketMetadata) error {
	if bucket == nil {
		return fmt.Errorf("bucket metadata cannot be nil")
	}
	bucket.UpdatedAt = time.Now()
	return s.db.Update(func(txn *badger.Txn) error {
		key := bucketKey(bucket.Name)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrBucketNotFound
		} else if err != nil {
			return err
		}
		data, err := json.Marshal(bucket)
		if err != nil {
			return fmt.Errorf("failed to marshal bucket: %w", err)
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) DeleteBucket(ctx context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := bucketKey(name)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrBucketNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) ListBuckets(ctx context.Context) ([]*BucketMetadata, error) {
	var buckets []*BucketMetadata
	err := s.badgerScan(bucketListPrefix(), func(_, value []byte) bool {
		var bucket BucketMetadata
		if err := json.Unmarshal(value, &bucket); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal bucket record")
			return true
		}
		buckets = append(buckets, &bucket)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed during bucket list: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *BadgerStore) BucketExists(ctx context.Context, name string) (bool, error) {
	return s.badgerExists(bucketKey(name))
}

func (s *BadgerStore) getBucketStatMutex(name string) *sync.Mutex {
	mu, _ := s.bucketStatMu.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *BadgerStore) UpdateBucketStats(ctx context.Context, name string, objectDelta, sizeDelta int64) error {
	mu := s.getBucketStatMutex(name)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(bucketKey(name))
		if err == badger.ErrKeyNotFound {
			return ErrBucketNotFound
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
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
		return txn.Set(bucketKey(name), newData)
	})
}

func (s *BadgerStore) HasObjects(ctx context.Context, bucket string) (bool, error) {
	found := false
	err := s.badgerScan(versionListPrefix(bucket, ""), func(_, _ []byte) bool {
		found = true
		return false
	})
	return found, err
}

// ==================== Version Chain Operations ====================

func (s *BadgerStore) PutVersion(ctx context.Context, version *VersionMetadata) error {
	if version == nil || version.Bucket == "" || version.Key == "" || version.VersionID == "" {
		return fmt.Errorf("version metadata is incomplete")
	}
	if version.LastModified.IsZero() {
		version.LastModified = time.Now()
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if version.IsLatest {
			item, err := txn.Get(headKey(version.Bucket, version.Key))
			if err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			if err == nil {
				prevData, verr := item.ValueCopy(nil)
				if verr != nil {
					return verr
				}
				var prev VersionMetadata
				if uerr := json.Unmarshal(prevData, &prev); uerr != nil {
					return fmt.Errorf("failed to unmarshal current head: %w", uerr)
				}
				if prev.VersionID != version.VersionID {
					prev.IsLatest = false
					demoted, merr := json.Marshal(&prev)
					if merr != nil {
						return merr
					}
					if serr := txn.Set(versionKey(prev.Bucket, prev.Key, prev.VersionID), demoted); serr != nil {
						return serr
					}
				}
			}
		}

		data, err := json.Marshal(version)
		if err != nil {
			return fmt.Errorf("failed to marshal version: %w", err)
		}
		if err := txn.Set(versionKey(version.Bucket, version.Key, version.VersionID), data); err != nil {
			return err
		}
		if version.IsLatest {
			return txn.Set(headKey(version.Bucket, version.Key), data)
		}
		return nil
	})
}

func (s *BadgerStore) GetLatest(ctx context.Context, bucket, key string) (*VersionMetadata, error) {
	data, err := s.badgerGet(headKey(bucket, key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	var version VersionMetadata
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal head: %w", err)
	}
	return &version, nil
}

func (s *BadgerStore) GetVersion(ctx context.Context, bucket, key, versionID string) (*VersionMetadata, error) {
	data, err := s.badgerGet(versionKey(bucket, key, versionID))
	if err == badger.ErrKeyNotFound {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	var version VersionMetadata
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal version: %w", err)
	}
	return &version, nil
}

func (s *BadgerStore) DeleteVersion(ctx context.Context, bucket, key, versionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		vKey := versionKey(bucket, key, versionID)
		item, err := txn.Get(vKey)
		if err == badger.ErrKeyNotFound {
			return ErrVersionNotFound
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var victim VersionMetadata
		if err := json.Unmarshal(data, &victim); err != nil {
			return fmt.Errorf("failed to unmarshal version: %w", err)
		}

		if err := txn.Delete(vKey); err != nil {
			return err
		}
		if !victim.IsLatest {
			return nil
		}

		// Promote the next-newest survivor: first chain entry after the
		// deleted one in KV order (entries sort newest-first).
		prefix := versionChainPrefix(bucket, key)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		it.Seek(nextSeekKey(string(vKey)))
		if !it.ValidForPrefix(prefix) {
			return txn.Delete(headKey(bucket, key))
		}
		nextData, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		var next VersionMetadata
		if err := json.Unmarshal(nextData, &next); err != nil {
			return fmt.Errorf("failed to unmarshal chain entry: %w", err)
		}
		next.IsLatest = true
		promoted, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(bucket, key, next.VersionID), promoted); err != nil {
			return err
		}
		return txn.Set(headKey(bucket, key), promoted)
	})
}

// listScan is the shared listing loop for heads and versions.
func (s *BadgerStore) listScan(prefix []byte, marker string, maxKeys int, skipMarkers bool) ([]*VersionMetadata, string, error) {
	var results []*VersionMetadata
	var nextMarker string

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		if marker != "" {
			it.Seek(nextSeekKey(marker))
		} else {
			it.Rewind()
		}

		var lastKVKey string
		for ; it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			lastKVKey = string(item.KeyCopy(nil))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var version VersionMetadata
			if err := json.Unmarshal(value, &version); err != nil {
				s.logger.WithError(err).Warn("Failed to unmarshal catalog record")
				continue
			}
			if skipMarkers && version.DeleteMarker {
				continue
			}
			results = append(results, &version)
			if len(results) >= maxKeys {
				it.Next()
				if it.ValidForPrefix(prefix) {
					nextMarker = lastKVKey
				}
				return nil
			}
		}
		return nil
	})
	return results, nextMarker, err
}

func (s *BadgerStore) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) ([]*VersionMetadata, string, error) {
	if exists, err := s.badgerExists(bucketKey(bucket)); err != nil {
		return nil, "", err
	} else if !exists {
		return nil, "", ErrBucketNotFound
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	return s.listScan(headListPrefix(bucket, prefix), marker, maxKeys, true)
}

func (s *BadgerStore) ListVersions(ctx context.Context, bucket, prefix, marker string, maxKeys int) ([]*VersionMetadata, string, error) {
	if exists, err := s.badgerExists(bucketKey(bucket)); err != nil {
		return nil, "", err
	} else if !exists {
		return nil, "", ErrBucketNotFound
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	return s.listScan(versionListPrefix(bucket, prefix), marker, maxKeys, false)
}

// ==================== Multipart Upload Operations ====================

func (s *BadgerStore) CreateUpload(ctx context.Context, upload *UploadMetadata) error {
	if upload == nil || upload.UploadID == "" || upload.Bucket == "" || upload.Key == "" {
		return fmt.Errorf("upload metadata is incomplete")
	}
	now := time.Now()
	if upload.Initiated.IsZero() {
		upload.Initiated = now
	}
	upload.UpdatedAt = now
	if upload.State == "" {
		upload.State = UploadStateInitiated
	}

	data, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(uploadKey(upload.UploadID), data); err != nil {
			return err
		}
		return txn.Set(uploadIndexKey(upload.Bucket, upload.UploadID), []byte(upload.UploadID))
	})
}

func (s *BadgerStore) GetUpload(ctx context.Context, uploadID string) (*UploadMetadata, error) {
	data, err := s.badgerGet(uploadKey(uploadID))
	if err == badger.ErrKeyNotFound {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}

	var upload UploadMetadata
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload: %w", err)
	}
	return &upload, nil
}

func (s *BadgerStore) UpdateUpload(ctx context.Context, upload *UploadMetadata) error {
	if upload == nil || upload.UploadID == "" {
		return fmt.Errorf("upload metadata is incomplete")
	}
	data, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(uploadKey(upload.UploadID)); err == badger.ErrKeyNotFound {
			return ErrUploadNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(uploadKey(upload.UploadID), data)
	})
}

func (s *BadgerStore) DeleteUpload(ctx context.Context, uploadID string) error {
	upload, err := s.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}

	// Collect part keys outside the write txn to keep it small.
	var partKeys [][]byte
	if err := s.badgerScan(partListPrefix(uploadID), func(key, _ []byte) bool {
		partKeys = append(partKeys, key)
		return true
	}); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(uploadKey(uploadID)); err != nil {
			return err
		}
		if err := txn.Delete(uploadIndexKey(upload.Bucket, uploadID)); err != nil {
			return err
		}
		for _, key := range partKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ListUploads(ctx context.Context, bucket, prefix string, maxUploads int) ([]*UploadMetadata, error) {
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	var uploadIDs []string
	if err := s.badgerScan(uploadIndexPrefix(bucket), func(_, value []byte) bool {
		uploadIDs = append(uploadIDs, string(value))
		return true
	}); err != nil {
		return nil, err
	}

	var uploads []*UploadMetadata
	for _, id := range uploadIDs {
		upload, err := s.GetUpload(ctx, id)
		if err == ErrUploadNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if upload.Terminal() {
			continue
		}
		if prefix != "" && !strings.HasPrefix(upload.Key, prefix) {
			continue
		}
		uploads = append(uploads, upload)
	}

	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Initiated.After(uploads[j].Initiated) })
	if len(uploads) > maxUploads {
		uploads = uploads[:maxUploads]
	}
	return uploads, nil
}

func (s *BadgerStore) ListAllUploads(ctx context.Context) ([]*UploadMetadata, error) {
	var uploads []*UploadMetadata
	err := s.badgerScan(uploadListPrefix(), func(_, value []byte) bool {
		var upload UploadMetadata
		if err := json.Unmarshal(value, &upload); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal upload record")
			return true
		}
		uploads = append(uploads, &upload)
		return true
	})
	return uploads, err
}

func (s *BadgerStore) HasUploads(ctx context.Context, bucket string) (bool, error) {
	var uploadIDs []string
	if err := s.badgerScan(uploadIndexPrefix(bucket), func(_, value []byte) bool {
		uploadIDs = append(uploadIDs, string(value))
		return true
	}); err != nil {
		return false, err
	}
	for _, id := range uploadIDs {
		upload, err := s.GetUpload(ctx, id)
		if err == ErrUploadNotFound {
			continue
		}
		if err != nil {
			return false, err
		}
		if !upload.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// ==================== Part Operations ====================

func (s *BadgerStore) PutPart(ctx context.Context, part *PartMetadata) error {
	if part == nil || part.UploadID == "" || part.PartNumber < 1 {
		return fmt.Errorf("part metadata is incomplete")
	}
	if part.LastModified.IsZero() {
		part.LastModified = time.Now()
	}
	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("failed to marshal part: %w", err)
	}
	return s.badgerSet(partKey(part.UploadID, part.PartNumber), data)
}

func (s *BadgerStore) GetPart(ctx context.Context, uploadID string, partNumber int) (*PartMetadata, error) {
	data, err := s.badgerGet(partKey(uploadID, partNumber))
	if err == badger.ErrKeyNotFound {
		return nil, ErrPartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get part: %w", err)
	}

	var part PartMetadata
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, fmt.Errorf("failed to unmarshal part: %w", err)
	}
	return &part, nil
}

func (s *BadgerStore) ListParts(ctx context.Context, uploadID string) ([]*PartMetadata, error) {
	var parts []*PartMetadata
	err := s.badgerScan(partListPrefix(uploadID), func(_, value []byte) bool {
		var part PartMetadata
		if err := json.Unmarshal(value, &part); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal part record")
			return true
		}
		parts = append(parts, &part)
		return true
	})
	return parts, err
}

func (s *BadgerStore) DeleteParts(ctx context.Context, uploadID string) error {
	var partKeys [][]byte
	if err := s.badgerScan(partListPrefix(uploadID), func(key, _ []byte) bool {
		partKeys = append(partKeys, key)
		return true
	}); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range partKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==================== Lifecycle ====================

func (s *BadgerStore) Close() error {
	s.ready.Store(false)
	close(s.stopGC)
	<-s.gcDone
	s.logger.Info("Closing Badger catalog")
	return s.db.Close()
}

func (s *BadgerStore) IsReady() bool {
	return s.ready.Load()
}

// ==================== Logger adapter ====================

// badgerLogger adapts logrus to badger.Logger.
type badgerLogger struct {
	logger *logrus.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[badger] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[badger] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[badger] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf("[badger] "+format, args...)
}

var _ Store = (*BadgerStore)(nil)
