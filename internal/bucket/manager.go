// Package bucket implements bucket lifecycle on top of the metadata
// catalog: creation, deletion with the bucket-empty invariant,
// versioning modes, attached policy documents and cached usage stats.
package bucket

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cofferfs/coffer/internal/errdefs"
	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/policy"
)

// Manager coordinates bucket operations against the catalog.
type Manager struct {
	store  metadata.Store
	logger *logrus.Logger
}

// NewManager creates a bucket manager.
func NewManager(store metadata.Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{store: store, logger: logger}
}

// Create creates a new bucket. The name must satisfy S3 naming rules
// and be unused.
func (m *Manager) Create(ctx context.Context, name string) (*Info, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	meta := &metadata.BucketMetadata{
		Name:       name,
		Versioning: metadata.VersioningSuspended,
	}
	if err := m.store.CreateBucket(ctx, meta); err != nil {
		return nil, err
	}

	m.logger.WithField("bucket", name).Info("Bucket created")
	return infoFrom(meta), nil
}

// Get returns bucket info.
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	meta, err := m.store.GetBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	return infoFrom(meta), nil
}

// List returns all buckets sorted by name.
func (m *Manager) List(ctx context.Context) ([]*Info, error) {
	metas, err := m.store.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]*Info, 0, len(metas))
	for _, meta := range metas {
		infos = append(infos, infoFrom(meta))
	}
	return infos, nil
}

// Exists reports whether the bucket exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	return m.store.BucketExists(ctx, name)
}

// Delete removes an empty bucket. A bucket holding any version entry
// (delete markers included) or any active multipart session cannot be
// deleted.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if _, err := m.store.GetBucket(ctx, name); err != nil {
		return err
	}

	hasObjects, err := m.store.HasObjects(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check bucket contents: %w", err)
	}
	if hasObjects {
		return fmt.Errorf("bucket %q still holds object versions: %w", name, errdefs.ErrBucketNotEmpty)
	}

	hasUploads, err := m.store.HasUploads(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check bucket uploads: %w", err)
	}
	if hasUploads {
		return fmt.Errorf("bucket %q has active multipart uploads: %w", name, errdefs.ErrBucketNotEmpty)
	}

	if err := m.store.DeleteBucket(ctx, name); err != nil {
		return err
	}
	m.logger.WithField("bucket", name).Info("Bucket deleted")
	return nil
}

// ==================== Versioning ====================

// GetVersioning returns the bucket's versioning mode.
func (m *Manager) GetVersioning(ctx context.Context, name string) (string, error) {
	meta, err := m.store.GetBucket(ctx, name)
	if err != nil {
		return "", err
	}
	return meta.Versioning, nil
}

// SetVersioning switches the bucket between Enabled and Suspended.
// Existing versions are unaffected either way.
func (m *Manager) SetVersioning(ctx context.Context, name, mode string) error {
	if mode != metadata.VersioningEnabled && mode != metadata.VersioningSuspended {
		return fmt.Errorf("%w: %q", ErrInvalidVersioning, mode)
	}

	meta, err := m.store.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	if meta.Versioning == mode {
		return nil
	}
	meta.Versioning = mode
	if err := m.store.UpdateBucket(ctx, meta); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"bucket":     name,
		"versioning": mode,
	}).Info("Bucket versioning changed")
	return nil
}

// ==================== Policy ====================

// GetPolicy returns the attached policy document.
func (m *Manager) GetPolicy(ctx context.Context, name string) (*policy.Document, error) {
	meta, err := m.store.GetBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(meta.Policy) == 0 {
		return nil, ErrNoPolicy
	}
	return policy.ParseDocument(meta.Policy)
}

// SetPolicy validates and attaches a policy document, replacing any
// prior one.
func (m *Manager) SetPolicy(ctx context.Context, name string, raw []byte) error {
	if _, err := policy.ParseDocument(raw); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	}

	meta, err := m.store.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	meta.Policy = raw
	if err := m.store.UpdateBucket(ctx, meta); err != nil {
		return err
	}
	m.logger.WithField("bucket", name).Info("Bucket policy attached")
	return nil
}

// DeletePolicy detaches the bucket's policy, returning the bucket to
// its unprotected default.
func (m *Manager) DeletePolicy(ctx context.Context, name string) error {
	meta, err := m.store.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	if len(meta.Policy) == 0 {
		return ErrNoPolicy
	}
	meta.Policy = nil
	return m.store.UpdateBucket(ctx, meta)
}

func infoFrom(meta *metadata.BucketMetadata) *Info {
	return &Info{
		Name:        meta.Name,
		CreatedAt:   meta.CreatedAt,
		Versioning:  meta.Versioning,
		ObjectCount: meta.ObjectCount,
		TotalSize:   meta.TotalSize,
	}
}
