package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/pebble/v2"
)

// ==================== Multipart Upload Operations ====================

// CreateUpload records a new multipart upload session plus its
// per-bucket index entry in one batch.
func (s *PebbleStore) CreateUpload(ctx context.Context, upload *UploadMetadata) error {
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

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := batch.Set(uploadKey(upload.UploadID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(uploadIndexKey(upload.Bucket, upload.UploadID), []byte(upload.UploadID), nil); err != nil {
		return err
	}
	if err := batch.Commit(s.writeOpt); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}

	s.logger.WithField("upload_id", upload.UploadID).Debug("Multipart session recorded")
	return nil
}

// GetUpload retrieves a session record in any state.
func (s *PebbleStore) GetUpload(ctx context.Context, uploadID string) (*UploadMetadata, error) {
	data, err := s.pebbleGet(uploadKey(uploadID))
	if err == pebble.ErrNotFound {
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

// UpdateUpload replaces a session record. UpdatedAt is the caller's to
// maintain; the sweeper keys idle detection off it.
func (s *PebbleStore) UpdateUpload(ctx context.Context, upload *UploadMetadata) error {
	if upload == nil || upload.UploadID == "" {
		return fmt.Errorf("upload metadata is incomplete")
	}

	exists, err := s.pebbleExists(uploadKey(upload.UploadID))
	if err != nil {
		return fmt.Errorf("failed to check upload existence: %w", err)
	}
	if !exists {
		return ErrUploadNotFound
	}

	data, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}
	return s.db.Set(uploadKey(upload.UploadID), data, s.writeOpt)
}

// DeleteUpload purges a session, its bucket index entry and any part
// records still present, all in one batch.
func (s *PebbleStore) DeleteUpload(ctx context.Context, uploadID string) error {
	upload, err := s.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := batch.Delete(uploadKey(uploadID), nil); err != nil {
		return err
	}
	if err := batch.Delete(uploadIndexKey(upload.Bucket, uploadID), nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(partListPrefix(uploadID), prefixEnd(partListPrefix(uploadID)), nil); err != nil {
		return err
	}
	if err := batch.Commit(s.writeOpt); err != nil {
		return fmt.Errorf("failed to commit upload delete: %w", err)
	}
	return nil
}

// ListUploads lists active sessions in a bucket filtered by key prefix,
// most recently initiated first.
func (s *PebbleStore) ListUploads(ctx context.Context, bucket, prefix string, maxUploads int) ([]*UploadMetadata, error) {
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	iter, err := s.pebbleIter(uploadIndexPrefix(bucket))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var uploads []*UploadMetadata
	for iter.First(); iter.Valid(); iter.Next() {
		upload, err := s.GetUpload(ctx, string(iter.Value()))
		if err == ErrUploadNotFound {
			continue // index entry raced with a delete
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
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed during upload list: %w", err)
	}

	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Initiated.After(uploads[j].Initiated) })
	if len(uploads) > maxUploads {
		uploads = uploads[:maxUploads]
	}
	return uploads, nil
}

// ListAllUploads returns every session in every state. The sweeper uses
// this to build its snapshot.
func (s *PebbleStore) ListAllUploads(ctx context.Context) ([]*UploadMetadata, error) {
	iter, err := s.pebbleIter(uploadListPrefix())
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var uploads []*UploadMetadata
	for iter.First(); iter.Valid(); iter.Next() {
		var upload UploadMetadata
		if err := json.Unmarshal(iter.Value(), &upload); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal upload record")
			continue
		}
		uploads = append(uploads, &upload)
	}
	return uploads, iter.Error()
}

// HasUploads reports whether the bucket has any active session.
func (s *PebbleStore) HasUploads(ctx context.Context, bucket string) (bool, error) {
	iter, err := s.pebbleIter(uploadIndexPrefix(bucket))
	if err != nil {
		return false, err
	}
	defer iter.Close() //nolint:errcheck

	for iter.First(); iter.Valid(); iter.Next() {
		upload, err := s.GetUpload(ctx, string(iter.Value()))
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
	return false, iter.Error()
}

// ==================== Part Operations ====================

// PutPart records a part, replacing any prior record for the same part
// number.
func (s *PebbleStore) PutPart(ctx context.Context, part *PartMetadata) error {
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
	return s.db.Set(partKey(part.UploadID, part.PartNumber), data, s.writeOpt)
}

// GetPart retrieves one part record.
func (s *PebbleStore) GetPart(ctx context.Context, uploadID string, partNumber int) (*PartMetadata, error) {
	data, err := s.pebbleGet(partKey(uploadID, partNumber))
	if err == pebble.ErrNotFound {
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

// ListParts lists part records sorted by part number. The zero-padded
// part key makes KV order equal numeric order.
func (s *PebbleStore) ListParts(ctx context.Context, uploadID string) ([]*PartMetadata, error) {
	iter, err := s.pebbleIter(partListPrefix(uploadID))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	var parts []*PartMetadata
	for iter.First(); iter.Valid(); iter.Next() {
		var part PartMetadata
		if err := json.Unmarshal(iter.Value(), &part); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal part record")
			continue
		}
		parts = append(parts, &part)
	}
	return parts, iter.Error()
}

// DeleteParts removes all part records of a session.
func (s *PebbleStore) DeleteParts(ctx context.Context, uploadID string) error {
	lower := partListPrefix(uploadID)
	if err := s.db.DeleteRange(lower, prefixEnd(lower), s.writeOpt); err != nil {
		return fmt.Errorf("failed to delete parts: %w", err)
	}
	return nil
}
