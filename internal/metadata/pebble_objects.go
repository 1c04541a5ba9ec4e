package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble/v2"
)

// ==================== Version Chain Operations ====================

// PutVersion appends a version to the (bucket, key) chain. The version
// entry and the head record are committed in one batch; when a prior
// head exists it is demoted in the same batch so the chain never shows
// two latest versions.
func (s *PebbleStore) PutVersion(ctx context.Context, version *VersionMetadata) error {
	if version == nil || version.Bucket == "" || version.Key == "" || version.VersionID == "" {
		return fmt.Errorf("version metadata is incomplete")
	}
	if version.LastModified.IsZero() {
		version.LastModified = time.Now()
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if version.IsLatest {
		// Demote the current head's chain entry, if any.
		prevData, err := s.pebbleGet(headKey(version.Bucket, version.Key))
		if err != nil && err != pebble.ErrNotFound {
			return fmt.Errorf("failed to read current head: %w", err)
		}
		if err == nil {
			var prev VersionMetadata
			if uerr := json.Unmarshal(prevData, &prev); uerr != nil {
				return fmt.Errorf("failed to unmarshal current head: %w", uerr)
			}
			if prev.VersionID != version.VersionID {
				prev.IsLatest = false
				demoted, merr := json.Marshal(&prev)
				if merr != nil {
					return fmt.Errorf("failed to marshal demoted head: %w", merr)
				}
				if berr := batch.Set(versionKey(prev.Bucket, prev.Key, prev.VersionID), demoted, nil); berr != nil {
					return berr
				}
			}
		}
	}

	data, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}
	if err := batch.Set(versionKey(version.Bucket, version.Key, version.VersionID), data, nil); err != nil {
		return err
	}
	if version.IsLatest {
		if err := batch.Set(headKey(version.Bucket, version.Key), data, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(s.writeOpt); err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}
	return nil
}

// GetLatest returns the head of the chain, which may be a delete marker.
func (s *PebbleStore) GetLatest(ctx context.Context, bucket, key string) (*VersionMetadata, error) {
	data, err := s.pebbleGet(headKey(bucket, key))
	if err == pebble.ErrNotFound {
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

// GetVersion returns a specific version of a key.
func (s *PebbleStore) GetVersion(ctx context.Context, bucket, key, versionID string) (*VersionMetadata, error) {
	data, err := s.pebbleGet(versionKey(bucket, key, versionID))
	if err == pebble.ErrNotFound {
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

// DeleteVersion removes one version from the chain. When the head is
// removed the next-newest surviving version is promoted in the same
// batch; when the chain empties the head record is cleared.
func (s *PebbleStore) DeleteVersion(ctx context.Context, bucket, key, versionID string) error {
	vKey := versionKey(bucket, key, versionID)
	data, err := s.pebbleGet(vKey)
	if err == pebble.ErrNotFound {
		return ErrVersionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	var victim VersionMetadata
	if err := json.Unmarshal(data, &victim); err != nil {
		return fmt.Errorf("failed to unmarshal version: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := batch.Delete(vKey, nil); err != nil {
		return err
	}

	if victim.IsLatest {
		// Versions sort newest-first under the chain prefix, so the
		// first survivor after the victim is the new head.
		next, err := s.nextNewestAfter(bucket, key, vKey)
		if err != nil {
			return err
		}
		if next == nil {
			if err := batch.Delete(headKey(bucket, key), nil); err != nil {
				return err
			}
		} else {
			next.IsLatest = true
			promoted, merr := json.Marshal(next)
			if merr != nil {
				return fmt.Errorf("failed to marshal promoted head: %w", merr)
			}
			if err := batch.Set(versionKey(bucket, key, next.VersionID), promoted, nil); err != nil {
				return err
			}
			if err := batch.Set(headKey(bucket, key), promoted, nil); err != nil {
				return err
			}
		}
	}

	if err := batch.Commit(s.writeOpt); err != nil {
		return fmt.Errorf("failed to commit version delete: %w", err)
	}
	return nil
}

// nextNewestAfter finds the first chain entry strictly after the given
// KV key, or nil when the chain has no further versions.
func (s *PebbleStore) nextNewestAfter(bucket, key string, afterKVKey []byte) (*VersionMetadata, error) {
	iter, err := s.pebbleIter(versionChainPrefix(bucket, key))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	if !iter.SeekGE(nextSeekKey(string(afterKVKey))) {
		return nil, iter.Error()
	}
	var version VersionMetadata
	if err := json.Unmarshal(iter.Value(), &version); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain entry: %w", err)
	}
	return &version, nil
}

// ListObjects iterates chain heads in lexicographic key order, skipping
// delete markers. The returned marker is the raw KV key of the last
// entry visited, so a follow-up call resumes exactly after it.
func (s *PebbleStore) ListObjects(ctx context.Context, bucket, prefix, marker string, maxKeys int) ([]*VersionMetadata, string, error) {
	if exists, err := s.pebbleExists(bucketKey(bucket)); err != nil {
		return nil, "", err
	} else if !exists {
		return nil, "", ErrBucketNotFound
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	iter, err := s.pebbleIter(headListPrefix(bucket, prefix))
	if err != nil {
		return nil, "", err
	}
	defer iter.Close() //nolint:errcheck

	var valid bool
	if marker != "" {
		valid = iter.SeekGE(nextSeekKey(marker))
	} else {
		valid = iter.First()
	}

	var results []*VersionMetadata
	var lastKVKey string
	for ; valid; valid = iter.Next() {
		lastKVKey = string(iter.Key())
		var version VersionMetadata
		if err := json.Unmarshal(iter.Value(), &version); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal head record")
			continue
		}
		if version.DeleteMarker {
			continue
		}
		results = append(results, &version)
		if len(results) >= maxKeys {
			// Only report a marker when something actually follows.
			if iter.Next() {
				return results, lastKVKey, iter.Error()
			}
			return results, "", iter.Error()
		}
	}
	return results, "", iter.Error()
}

// ListVersions iterates all versions, delete markers included, ordered
// by key and newest-first within a key.
func (s *PebbleStore) ListVersions(ctx context.Context, bucket, prefix, marker string, maxKeys int) ([]*VersionMetadata, string, error) {
	if exists, err := s.pebbleExists(bucketKey(bucket)); err != nil {
		return nil, "", err
	} else if !exists {
		return nil, "", ErrBucketNotFound
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	iter, err := s.pebbleIter(versionListPrefix(bucket, prefix))
	if err != nil {
		return nil, "", err
	}
	defer iter.Close() //nolint:errcheck

	var valid bool
	if marker != "" {
		valid = iter.SeekGE(nextSeekKey(marker))
	} else {
		valid = iter.First()
	}

	var results []*VersionMetadata
	var lastKVKey string
	for ; valid; valid = iter.Next() {
		lastKVKey = string(iter.Key())
		var version VersionMetadata
		if err := json.Unmarshal(iter.Value(), &version); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal version record")
			continue
		}
		results = append(results, &version)
		if len(results) >= maxKeys {
			if iter.Next() {
				return results, lastKVKey, iter.Error()
			}
			return results, "", iter.Error()
		}
	}
	return results, "", iter.Error()
}
