package bucket

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferfs/coffer/internal/errdefs"
	"github.com/cofferfs/coffer/internal/metadata"
)

func setupTestManager(t *testing.T) (*Manager, metadata.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := metadata.NewStore("pebble", metadata.Options{
		DataDir: t.TempDir(),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, logger), store
}

func TestValidateName(t *testing.T) {
	valid := []string{
		"photos",
		"my-bucket",
		"bucket123",
		"a1b",
		strings.Repeat("a", 63),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), "name %q", name)
	}

	invalid := []string{
		"",
		"ab",                      // too short
		strings.Repeat("a", 64),   // too long
		"My-Bucket",               // uppercase
		"-leading",                // leading dash
		"trailing-",               // trailing dash
		"double--dash",            // consecutive dashes
		"under_score",             // underscore
		"192.168.1.1",             // IP address form
		"xn--punycode",            // reserved prefix
		"has space",               // whitespace
		"dots.not.allowed",        // dots rejected
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidBucketName, "name %q", name)
	}
}

func TestCreateGetDelete(t *testing.T) {
	mgr, _ := setupTestManager(t)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, "photos", info.Name)
	assert.Equal(t, metadata.VersioningSuspended, info.Versioning)
	assert.False(t, info.CreatedAt.IsZero())

	_, err = mgr.Create(ctx, "photos")
	assert.ErrorIs(t, err, metadata.ErrBucketAlreadyExists)

	got, err := mgr.Get(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, "photos", got.Name)

	exists, err := mgr.Exists(ctx, "photos")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, mgr.Delete(ctx, "photos"))
	_, err = mgr.Get(ctx, "photos")
	assert.ErrorIs(t, err, metadata.ErrBucketNotFound)
}

func TestCreateRejectsInvalidName(t *testing.T) {
	mgr, _ := setupTestManager(t)
	_, err := mgr.Create(context.Background(), "Bad_Name")
	assert.ErrorIs(t, err, ErrInvalidBucketName)
}

func TestDeleteNonEmptyBucket(t *testing.T) {
	mgr, store := setupTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "full")
	require.NoError(t, err)

	require.NoError(t, store.PutVersion(ctx, &metadata.VersionMetadata{
		Bucket:    "full",
		Key:       "blocker",
		VersionID: metadata.NewVersionID(),
		IsLatest:  true,
	}))

	err = mgr.Delete(ctx, "full")
	assert.ErrorIs(t, err, errdefs.ErrBucketNotEmpty)

	// A bucket whose only content is a delete marker is still not empty.
	require.NoError(t, store.DeleteVersion(ctx, "full", "blocker",
		mustLatest(t, store, "full", "blocker").VersionID))
	require.NoError(t, store.PutVersion(ctx, &metadata.VersionMetadata{
		Bucket:       "full",
		Key:          "ghost",
		VersionID:    metadata.NewVersionID(),
		DeleteMarker: true,
		IsLatest:     true,
	}))
	assert.ErrorIs(t, mgr.Delete(ctx, "full"), errdefs.ErrBucketNotEmpty)
}

func mustLatest(t *testing.T, store metadata.Store, bucket, key string) *metadata.VersionMetadata {
	t.Helper()
	v, err := store.GetLatest(context.Background(), bucket, key)
	require.NoError(t, err)
	return v
}

func TestDeleteBucketWithActiveUpload(t *testing.T) {
	mgr, store := setupTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "uploading")
	require.NoError(t, err)

	require.NoError(t, store.CreateUpload(ctx, &metadata.UploadMetadata{
		UploadID: "u-1",
		Bucket:   "uploading",
		Key:      "big.bin",
	}))

	assert.ErrorIs(t, mgr.Delete(ctx, "uploading"), errdefs.ErrBucketNotEmpty)

	// Terminal sessions don't block deletion.
	upload, err := store.GetUpload(ctx, "u-1")
	require.NoError(t, err)
	upload.State = metadata.UploadStateAborted
	require.NoError(t, store.UpdateUpload(ctx, upload))

	assert.NoError(t, mgr.Delete(ctx, "uploading"))
}

func TestVersioningModes(t *testing.T) {
	mgr, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "versioned")
	require.NoError(t, err)

	mode, err := mgr.GetVersioning(ctx, "versioned")
	require.NoError(t, err)
	assert.Equal(t, metadata.VersioningSuspended, mode)

	require.NoError(t, mgr.SetVersioning(ctx, "versioned", metadata.VersioningEnabled))
	mode, err = mgr.GetVersioning(ctx, "versioned")
	require.NoError(t, err)
	assert.Equal(t, metadata.VersioningEnabled, mode)

	// Idempotent re-set and switch back.
	require.NoError(t, mgr.SetVersioning(ctx, "versioned", metadata.VersioningEnabled))
	require.NoError(t, mgr.SetVersioning(ctx, "versioned", metadata.VersioningSuspended))

	assert.ErrorIs(t, mgr.SetVersioning(ctx, "versioned", "Paused"), ErrInvalidVersioning)
	assert.ErrorIs(t, mgr.SetVersioning(ctx, "missing", metadata.VersioningEnabled), metadata.ErrBucketNotFound)
}

const testPolicy = `{
	"version": "2026-01-01",
	"statements": [{
		"sid": "allow-alice",
		"effect": "Allow",
		"principals": [{"kind": "exact", "pattern": "alice"}],
		"actions": [{"kind": "wildcard", "pattern": "s3:*"}],
		"resources": [{"kind": "prefix", "pattern": "docs/"}]
	}]
}`

func TestPolicyAttachDetach(t *testing.T) {
	mgr, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "guarded")
	require.NoError(t, err)

	_, err = mgr.GetPolicy(ctx, "guarded")
	assert.ErrorIs(t, err, ErrNoPolicy)

	require.NoError(t, mgr.SetPolicy(ctx, "guarded", []byte(testPolicy)))

	doc, err := mgr.GetPolicy(ctx, "guarded")
	require.NoError(t, err)
	require.Len(t, doc.Statements, 1)
	assert.Equal(t, "allow-alice", doc.Statements[0].Sid)

	require.NoError(t, mgr.DeletePolicy(ctx, "guarded"))
	_, err = mgr.GetPolicy(ctx, "guarded")
	assert.ErrorIs(t, err, ErrNoPolicy)
	assert.ErrorIs(t, mgr.DeletePolicy(ctx, "guarded"), ErrNoPolicy)
}

func TestSetPolicyRejectsMalformedDocument(t *testing.T) {
	mgr, _ := setupTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "guarded")
	require.NoError(t, err)

	err = mgr.SetPolicy(ctx, "guarded", []byte(`{"version": "bogus"}`))
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	// The bucket still has no policy after the failed attach.
	_, err = mgr.GetPolicy(ctx, "guarded")
	assert.ErrorIs(t, err, ErrNoPolicy)
}

func TestListSorted(t *testing.T) {
	mgr, _ := setupTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"cherry", "apple", "banana"} {
		_, err := mgr.Create(ctx, name)
		require.NoError(t, err)
	}

	infos, err := mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "apple", infos[0].Name)
	assert.Equal(t, "banana", infos[1].Name)
	assert.Equal(t, "cherry", infos[2].Name)
}
