package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferfs/coffer/internal/errdefs"
	"github.com/cofferfs/coffer/internal/metadata"
	"github.com/cofferfs/coffer/internal/storage"
)

type testEnv struct {
	mgr     *Manager
	store   metadata.Store
	backend storage.Backend
	root    string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := metadata.NewStore("pebble", metadata.Options{
		DataDir: t.TempDir(),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	backend, err := storage.NewBackend(storage.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	return &testEnv{
		mgr:     NewManager(store, backend, logger),
		store:   store,
		backend: backend,
		root:    root,
	}
}

func (e *testEnv) createBucket(t *testing.T, name, versioning string) {
	t.Helper()
	require.NoError(t, e.store.CreateBucket(context.Background(), &metadata.BucketMetadata{
		Name:       name,
		Versioning: versioning,
	}))
}

func (e *testEnv) put(t *testing.T, bucket, key, content string) *Info {
	t.Helper()
	info, err := e.mgr.Put(context.Background(),
		PutOptions{Bucket: bucket, Key: key}, strings.NewReader(content))
	require.NoError(t, err)
	return info
}

func readAll(t *testing.T, r io.ReadCloser) string {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestPutGetRoundTrip(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)

	info, err := env.mgr.Put(ctx, PutOptions{
		Bucket:      "b",
		Key:         "docs/readme.md",
		ContentType: "text/markdown",
		Metadata:    map[string]string{"author": "alice"},
	}, strings.NewReader("# hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.NotEmpty(t, info.VersionID)
	assert.NotEmpty(t, info.ETag)

	got, reader, err := env.mgr.Get(ctx, "b", "docs/readme.md", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "# hello", readAll(t, reader))
	assert.Equal(t, "text/markdown", got.ContentType)
	assert.Equal(t, "alice", got.Metadata["author"])
	assert.Equal(t, info.VersionID, got.VersionID)
}

func TestPutValidation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)

	_, err := env.mgr.Put(ctx, PutOptions{Bucket: "b", Key: ""}, strings.NewReader("x"))
	assert.ErrorIs(t, err, metadata.ErrInvalidKey)

	_, err = env.mgr.Put(ctx, PutOptions{Bucket: "b", Key: strings.Repeat("k", MaxKeyLength+1)}, strings.NewReader("x"))
	assert.ErrorIs(t, err, metadata.ErrInvalidKey)

	_, err = env.mgr.Put(ctx, PutOptions{Bucket: "b", Key: "bad\xff\xfe"}, strings.NewReader("x"))
	assert.ErrorIs(t, err, metadata.ErrInvalidKey)

	_, err = env.mgr.Put(ctx, PutOptions{Bucket: "missing", Key: "k"}, strings.NewReader("x"))
	assert.ErrorIs(t, err, metadata.ErrBucketNotFound)
}

func TestUnversionedPutReplacesAndReclaims(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)

	first := env.put(t, "b", "k", "version one")
	second := env.put(t, "b", "k", "version two!")

	_, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "version two!", readAll(t, reader))

	// The replaced version is gone from the chain and its bytes from disk.
	_, err = env.store.GetVersion(ctx, "b", "k", first.VersionID)
	assert.ErrorIs(t, err, metadata.ErrVersionNotFound)

	result, err := env.mgr.ListVersions(ctx, "b", "", "", 100)
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	assert.Equal(t, second.VersionID, result.Objects[0].VersionID)
}

func TestVersionedPutKeepsChain(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningEnabled)

	v1 := env.put(t, "b", "k", "one")
	v2 := env.put(t, "b", "k", "two")

	// Latest wins the default read.
	info, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "two", readAll(t, reader))
	assert.Equal(t, v2.VersionID, info.VersionID)

	// The older version stays pinnable.
	info, reader, err = env.mgr.Get(ctx, "b", "k", GetOptions{VersionID: v1.VersionID})
	require.NoError(t, err)
	assert.Equal(t, "one", readAll(t, reader))
	assert.False(t, info.IsLatest)

	_, _, err = env.mgr.Get(ctx, "b", "k", GetOptions{VersionID: "0000000000000000-00000000"})
	assert.ErrorIs(t, err, metadata.ErrVersionNotFound)
}

func TestRangeReads(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	env.put(t, "b", "k", "0123456789")

	t.Run("Window", func(t *testing.T) {
		_, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{Range: &ByteRange{Offset: 3, Length: 4}})
		require.NoError(t, err)
		assert.Equal(t, "3456", readAll(t, reader))
	})

	t.Run("ToEnd", func(t *testing.T) {
		_, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{Range: &ByteRange{Offset: 8, Length: -1}})
		require.NoError(t, err)
		assert.Equal(t, "89", readAll(t, reader))
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		for _, r := range []ByteRange{
			{Offset: -1, Length: 2},
			{Offset: 11, Length: 1},
			{Offset: 5, Length: 6},
		} {
			_, _, err := env.mgr.Get(ctx, "b", "k", GetOptions{Range: &r})
			assert.ErrorIs(t, err, errdefs.ErrInvalidRange, "range %+v", r)
		}
	})
}

func TestHead(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	put := env.put(t, "b", "k", "metadata only")

	info, err := env.mgr.Head(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.Equal(t, put.ETag, info.ETag)
	assert.Equal(t, int64(13), info.Size)

	_, err = env.mgr.Head(ctx, "b", "absent", "")
	assert.ErrorIs(t, err, metadata.ErrObjectNotFound)
}

func TestVersionedDeleteWritesMarker(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningEnabled)
	v1 := env.put(t, "b", "k", "still here")

	result, err := env.mgr.Delete(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.True(t, result.DeleteMarker)
	assert.NotEqual(t, v1.VersionID, result.VersionID)

	// Plain reads now miss...
	_, _, err = env.mgr.Get(ctx, "b", "k", GetOptions{})
	assert.ErrorIs(t, err, metadata.ErrObjectNotFound)

	// ...but the shadowed version is still pinnable.
	_, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{VersionID: v1.VersionID})
	require.NoError(t, err)
	assert.Equal(t, "still here", readAll(t, reader))

	// Removing the marker by version id restores visibility.
	_, err = env.mgr.Delete(ctx, "b", "k", result.VersionID)
	require.NoError(t, err)
	_, reader, err = env.mgr.Get(ctx, "b", "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "still here", readAll(t, reader))
}

func TestUnversionedDeletePurges(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	env.put(t, "b", "k", "doomed")

	result, err := env.mgr.Delete(ctx, "b", "k", "")
	require.NoError(t, err)
	assert.False(t, result.DeleteMarker)

	_, _, err = env.mgr.Get(ctx, "b", "k", GetOptions{})
	assert.ErrorIs(t, err, metadata.ErrObjectNotFound)

	versions, err := env.mgr.ListVersions(ctx, "b", "", "", 100)
	require.NoError(t, err)
	assert.Empty(t, versions.Objects)

	_, err = env.mgr.Delete(ctx, "b", "k", "")
	assert.ErrorIs(t, err, metadata.ErrObjectNotFound)
}

func TestDeleteSpecificVersionPromotes(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningEnabled)

	v1 := env.put(t, "b", "k", "old")
	v2 := env.put(t, "b", "k", "new")

	_, err := env.mgr.Delete(ctx, "b", "k", v2.VersionID)
	require.NoError(t, err)

	info, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "old", readAll(t, reader))
	assert.Equal(t, v1.VersionID, info.VersionID)
}

func TestListPaginationAndPrefix(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)

	for i := 0; i < 7; i++ {
		env.put(t, "b", fmt.Sprintf("logs/%02d.log", i), "x")
	}
	env.put(t, "b", "other.txt", "y")

	var keys []string
	token := ""
	for {
		page, err := env.mgr.List(ctx, "b", "logs/", token, 3)
		require.NoError(t, err)
		for _, o := range page.Objects {
			keys = append(keys, o.Key)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	require.Len(t, keys, 7)
	assert.Equal(t, "logs/00.log", keys[0])
	assert.Equal(t, "logs/06.log", keys[6])

	_, err := env.mgr.List(ctx, "b", "", "not-base64!!!", 10)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestListVersionsShowsMarkers(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningEnabled)

	env.put(t, "b", "k", "v1")
	_, err := env.mgr.Delete(ctx, "b", "k", "")
	require.NoError(t, err)

	page, err := env.mgr.ListVersions(ctx, "b", "", "", 100)
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.True(t, page.Objects[0].DeleteMarker)
	assert.True(t, page.Objects[0].IsLatest)
	assert.False(t, page.Objects[1].DeleteMarker)
}

func TestBucketStatsTracked(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)

	env.put(t, "b", "a", "12345")
	env.put(t, "b", "b", "1234567890")

	bucket, err := env.store.GetBucket(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bucket.ObjectCount)
	assert.Equal(t, int64(15), bucket.TotalSize)

	// Replacing shrinks the total, not the count.
	env.put(t, "b", "b", "123")
	bucket, err = env.store.GetBucket(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bucket.ObjectCount)
	assert.Equal(t, int64(8), bucket.TotalSize)

	_, err = env.mgr.Delete(ctx, "b", "a", "")
	require.NoError(t, err)
	bucket, err = env.store.GetBucket(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bucket.ObjectCount)
	assert.Equal(t, int64(3), bucket.TotalSize)
}

func TestVerifyIntegrity(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	env.put(t, "b", "k", "checked bytes")

	assert.NoError(t, env.mgr.VerifyIntegrity(ctx, "b", "k", ""))

	// Corrupt the blob behind the catalog's back.
	head, err := env.store.GetLatest(ctx, "b", "k")
	require.NoError(t, err)
	reader, err := env.backend.Get(ctx, head.Location)
	require.NoError(t, err)
	reader.Close()
	require.NoError(t, env.backend.Delete(ctx, head.Location))

	err = env.mgr.VerifyIntegrity(ctx, "b", "k", "")
	assert.Error(t, err)
}

func TestGetVerifyOnRead(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	env.put(t, "b", "k", "pristine content")

	// Tamper with the blob behind the catalog's back.
	head, err := env.store.GetLatest(ctx, "b", "k")
	require.NoError(t, err)
	blobPath := filepath.Join(env.root, filepath.FromSlash(head.Location))
	require.NoError(t, os.WriteFile(blobPath, []byte("tampered content"), 0o644))

	// Without the flag the corruption is served cleanly.
	_, reader, err := env.mgr.Get(ctx, "b", "k", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tampered content", readAll(t, reader))

	env.mgr.SetVerifyOnRead(true)

	_, _, err = env.mgr.Get(ctx, "b", "k", GetOptions{})
	assert.ErrorIs(t, err, storage.ErrDigestMismatch)

	// Range reads go through the same check.
	_, _, err = env.mgr.Get(ctx, "b", "k", GetOptions{
		Range: &ByteRange{Offset: 0, Length: 4},
	})
	assert.ErrorIs(t, err, storage.ErrDigestMismatch)

	// A clean object still reads fine with the flag on.
	env.put(t, "b", "clean", "intact bytes")
	_, reader, err = env.mgr.Get(ctx, "b", "clean", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "intact bytes", readAll(t, reader))
}

func TestConcurrentPutsSameKey(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningEnabled)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.mgr.Put(ctx, PutOptions{Bucket: "b", Key: "contested"},
				bytes.NewReader([]byte(fmt.Sprintf("writer-%02d", n))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every write landed in the chain; exactly one is head.
	page, err := env.mgr.ListVersions(ctx, "b", "", "", 100)
	require.NoError(t, err)
	require.Len(t, page.Objects, writers)

	latest := 0
	for _, o := range page.Objects {
		if o.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)

	// The head is readable and matches one of the writers.
	_, reader, err := env.mgr.Get(ctx, "b", "contested", GetOptions{})
	require.NoError(t, err)
	assert.Regexp(t, `^writer-\d{2}$`, readAll(t, reader))
}
