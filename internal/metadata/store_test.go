package metadata

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends drives every test through both catalog engines.
var backends = []string{"pebble", "badger"}

func setupTestStore(t *testing.T, backend string) Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := NewStore(backend, Options{
		DataDir:    t.TempDir(),
		SyncWrites: false, // tests don't need fsync latency
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			fn(t, setupTestStore(t, backend))
		})
	}
}

func mustCreateBucket(t *testing.T, store Store, name string) {
	t.Helper()
	require.NoError(t, store.CreateBucket(context.Background(), &BucketMetadata{Name: name}))
}

func putTestVersion(t *testing.T, store Store, bucket, key string, marker bool) *VersionMetadata {
	t.Helper()
	v := &VersionMetadata{
		Bucket:       bucket,
		Key:          key,
		VersionID:    NewVersionID(),
		Size:         3,
		ETag:         "900150983cd24fb0d6963f7d28e17f72",
		Location:     "ab/cd/00000000000000000000000000000001",
		DeleteMarker: marker,
		IsLatest:     true,
	}
	if marker {
		v.Size = 0
		v.Location = ""
	}
	require.NoError(t, store.PutVersion(context.Background(), v))
	return v
}

// ==================== Bucket Tests ====================

func TestBucketLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		mustCreateBucket(t, store, "photos")

		bucket, err := store.GetBucket(ctx, "photos")
		require.NoError(t, err)
		assert.Equal(t, "photos", bucket.Name)
		assert.Equal(t, VersioningSuspended, bucket.Versioning)
		assert.False(t, bucket.CreatedAt.IsZero())

		err = store.CreateBucket(ctx, &BucketMetadata{Name: "photos"})
		assert.ErrorIs(t, err, ErrBucketAlreadyExists)

		exists, err := store.BucketExists(ctx, "photos")
		require.NoError(t, err)
		assert.True(t, exists)

		bucket.Versioning = VersioningEnabled
		require.NoError(t, store.UpdateBucket(ctx, bucket))
		updated, err := store.GetBucket(ctx, "photos")
		require.NoError(t, err)
		assert.Equal(t, VersioningEnabled, updated.Versioning)

		require.NoError(t, store.DeleteBucket(ctx, "photos"))
		_, err = store.GetBucket(ctx, "photos")
		assert.ErrorIs(t, err, ErrBucketNotFound)
		assert.ErrorIs(t, store.DeleteBucket(ctx, "photos"), ErrBucketNotFound)
	})
}

func TestListBucketsSorted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, name := range []string{"zebra", "alpha", "mango"} {
			mustCreateBucket(t, store, name)
		}

		buckets, err := store.ListBuckets(ctx)
		require.NoError(t, err)
		require.Len(t, buckets, 3)
		assert.Equal(t, "alpha", buckets[0].Name)
		assert.Equal(t, "mango", buckets[1].Name)
		assert.Equal(t, "zebra", buckets[2].Name)
	})
}

func TestUpdateBucketStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "stats")

		require.NoError(t, store.UpdateBucketStats(ctx, "stats", 2, 1024))
		require.NoError(t, store.UpdateBucketStats(ctx, "stats", -1, -512))

		bucket, err := store.GetBucket(ctx, "stats")
		require.NoError(t, err)
		assert.Equal(t, int64(1), bucket.ObjectCount)
		assert.Equal(t, int64(512), bucket.TotalSize)

		// Deltas never drive the counters negative.
		require.NoError(t, store.UpdateBucketStats(ctx, "stats", -10, -99999))
		bucket, err = store.GetBucket(ctx, "stats")
		require.NoError(t, err)
		assert.Zero(t, bucket.ObjectCount)
		assert.Zero(t, bucket.TotalSize)

		assert.ErrorIs(t, store.UpdateBucketStats(ctx, "nope", 1, 1), ErrBucketNotFound)
	})
}

// ==================== Version Chain Tests ====================

func TestVersionIDsMonotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewVersionID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestInvertVersionIDReversesOrder(t *testing.T) {
	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, NewVersionID())
	}
	inverted := make([]string, len(ids))
	for i, id := range ids {
		inverted[i] = invertVersionID(id)
	}
	assert.True(t, sort.SliceIsSorted(inverted, func(i, j int) bool {
		return inverted[i] > inverted[j]
	}), "inverted ids must sort in reverse issue order")

	// Inversion is an involution.
	for _, id := range ids {
		assert.Equal(t, id, invertVersionID(invertVersionID(id)))
	}
}

func TestPutVersionReplacesHead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		v1 := putTestVersion(t, store, "b", "doc.txt", false)
		v2 := putTestVersion(t, store, "b", "doc.txt", false)

		head, err := store.GetLatest(ctx, "b", "doc.txt")
		require.NoError(t, err)
		assert.Equal(t, v2.VersionID, head.VersionID)
		assert.True(t, head.IsLatest)

		// The superseded version survives in the chain, demoted.
		old, err := store.GetVersion(ctx, "b", "doc.txt", v1.VersionID)
		require.NoError(t, err)
		assert.False(t, old.IsLatest)
	})
}

func TestDeleteMarkerBecomesHead(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		putTestVersion(t, store, "b", "gone.txt", false)
		marker := putTestVersion(t, store, "b", "gone.txt", true)

		head, err := store.GetLatest(ctx, "b", "gone.txt")
		require.NoError(t, err)
		assert.True(t, head.DeleteMarker)
		assert.Equal(t, marker.VersionID, head.VersionID)
	})
}

func TestDeleteVersionPromotesNext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		v1 := putTestVersion(t, store, "b", "k", false)
		v2 := putTestVersion(t, store, "b", "k", false)
		v3 := putTestVersion(t, store, "b", "k", false)

		// Deleting the head promotes the next-newest.
		require.NoError(t, store.DeleteVersion(ctx, "b", "k", v3.VersionID))
		head, err := store.GetLatest(ctx, "b", "k")
		require.NoError(t, err)
		assert.Equal(t, v2.VersionID, head.VersionID)
		assert.True(t, head.IsLatest)

		// Deleting a non-head version leaves the head alone.
		require.NoError(t, store.DeleteVersion(ctx, "b", "k", v1.VersionID))
		head, err = store.GetLatest(ctx, "b", "k")
		require.NoError(t, err)
		assert.Equal(t, v2.VersionID, head.VersionID)

		// Deleting the last version empties the chain.
		require.NoError(t, store.DeleteVersion(ctx, "b", "k", v2.VersionID))
		_, err = store.GetLatest(ctx, "b", "k")
		assert.ErrorIs(t, err, ErrObjectNotFound)

		assert.ErrorIs(t, store.DeleteVersion(ctx, "b", "k", v2.VersionID), ErrVersionNotFound)
	})
}

func TestListObjectsSkipsDeleteMarkers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		putTestVersion(t, store, "b", "alive.txt", false)
		putTestVersion(t, store, "b", "dead.txt", false)
		putTestVersion(t, store, "b", "dead.txt", true) // tombstoned head

		objects, next, err := store.ListObjects(ctx, "b", "", "", 100)
		require.NoError(t, err)
		assert.Empty(t, next)
		require.Len(t, objects, 1)
		assert.Equal(t, "alive.txt", objects[0].Key)
	})
}

func TestListObjectsPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		for i := 0; i < 10; i++ {
			putTestVersion(t, store, "b", fmt.Sprintf("key-%02d", i), false)
		}

		var all []string
		marker := ""
		pages := 0
		for {
			objects, next, err := store.ListObjects(ctx, "b", "", marker, 3)
			require.NoError(t, err)
			for _, o := range objects {
				all = append(all, o.Key)
			}
			pages++
			if next == "" {
				break
			}
			marker = next
		}

		require.Len(t, all, 10)
		assert.True(t, sort.StringsAreSorted(all))
		assert.GreaterOrEqual(t, pages, 4)
	})
}

func TestListObjectsPrefixFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		putTestVersion(t, store, "b", "logs/2026/app.log", false)
		putTestVersion(t, store, "b", "logs/2026/db.log", false)
		putTestVersion(t, store, "b", "media/cat.png", false)

		objects, _, err := store.ListObjects(ctx, "b", "logs/", "", 100)
		require.NoError(t, err)
		assert.Len(t, objects, 2)

		objects, _, err = store.ListObjects(ctx, "b", "media/", "", 100)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, "media/cat.png", objects[0].Key)
	})
}

func TestListObjectsUnknownBucket(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		_, _, err := store.ListObjects(context.Background(), "missing", "", "", 10)
		assert.ErrorIs(t, err, ErrBucketNotFound)
	})
}

func TestListVersionsNewestFirstPerKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		v1 := putTestVersion(t, store, "b", "k", false)
		v2 := putTestVersion(t, store, "b", "k", false)
		marker := putTestVersion(t, store, "b", "k", true)

		versions, next, err := store.ListVersions(ctx, "b", "", "", 100)
		require.NoError(t, err)
		assert.Empty(t, next)
		require.Len(t, versions, 3)

		assert.Equal(t, marker.VersionID, versions[0].VersionID)
		assert.True(t, versions[0].DeleteMarker)
		assert.Equal(t, v2.VersionID, versions[1].VersionID)
		assert.Equal(t, v1.VersionID, versions[2].VersionID)
	})
}

func TestVersionChainPrefixCollision(t *testing.T) {
	// "a" is a strict prefix of "ab"; their version chains must not bleed
	// into each other.
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		putTestVersion(t, store, "b", "a", false)
		putTestVersion(t, store, "b", "ab", false)
		putTestVersion(t, store, "b", "ab", false)

		versions, _, err := store.ListVersions(ctx, "b", "a", "", 100)
		require.NoError(t, err)
		assert.Len(t, versions, 3)

		head, err := store.GetLatest(ctx, "b", "a")
		require.NoError(t, err)
		assert.Equal(t, "a", head.Key)
	})
}

func TestHasObjects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		mustCreateBucket(t, store, "b")

		has, err := store.HasObjects(ctx, "b")
		require.NoError(t, err)
		assert.False(t, has)

		putTestVersion(t, store, "b", "x", false)
		has, err = store.HasObjects(ctx, "b")
		require.NoError(t, err)
		assert.True(t, has)
	})
}

// ==================== Multipart Tests ====================

func TestUploadLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		upload := &UploadMetadata{
			UploadID: "u-123",
			Bucket:   "b",
			Key:      "big.bin",
		}
		require.NoError(t, store.CreateUpload(ctx, upload))

		got, err := store.GetUpload(ctx, "u-123")
		require.NoError(t, err)
		assert.Equal(t, UploadStateInitiated, got.State)
		assert.False(t, got.Initiated.IsZero())

		got.State = UploadStateUploading
		require.NoError(t, store.UpdateUpload(ctx, got))

		got, err = store.GetUpload(ctx, "u-123")
		require.NoError(t, err)
		assert.Equal(t, UploadStateUploading, got.State)

		require.NoError(t, store.DeleteUpload(ctx, "u-123"))
		_, err = store.GetUpload(ctx, "u-123")
		assert.ErrorIs(t, err, ErrUploadNotFound)
		assert.ErrorIs(t, store.DeleteUpload(ctx, "u-123"), ErrUploadNotFound)
	})
}

func TestListUploadsFiltersTerminalAndPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		mk := func(id, key, state string, age time.Duration) {
			require.NoError(t, store.CreateUpload(ctx, &UploadMetadata{
				UploadID:  id,
				Bucket:    "b",
				Key:       key,
				State:     state,
				Initiated: time.Now().Add(-age),
			}))
		}
		mk("u-1", "videos/a.mp4", UploadStateUploading, 3*time.Hour)
		mk("u-2", "videos/b.mp4", UploadStateInitiated, 1*time.Hour)
		mk("u-3", "docs/c.pdf", UploadStateUploading, 2*time.Hour)
		mk("u-4", "videos/d.mp4", UploadStateCompleted, 30*time.Minute)

		uploads, err := store.ListUploads(ctx, "b", "videos/", 100)
		require.NoError(t, err)
		require.Len(t, uploads, 2)
		// Most recently initiated first.
		assert.Equal(t, "u-2", uploads[0].UploadID)
		assert.Equal(t, "u-1", uploads[1].UploadID)

		all, err := store.ListAllUploads(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		has, err := store.HasUploads(ctx, "b")
		require.NoError(t, err)
		assert.True(t, has)
	})
}

func TestPartsSortedAndReplaced(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.CreateUpload(ctx, &UploadMetadata{
			UploadID: "u-parts", Bucket: "b", Key: "k",
		}))

		for _, n := range []int{3, 1, 2} {
			require.NoError(t, store.PutPart(ctx, &PartMetadata{
				UploadID:   "u-parts",
				PartNumber: n,
				Size:       int64(n * 100),
				ETag:       fmt.Sprintf("etag-%d", n),
				Location:   fmt.Sprintf("00/00/%032d", n),
			}))
		}

		parts, err := store.ListParts(ctx, "u-parts")
		require.NoError(t, err)
		require.Len(t, parts, 3)
		for i, p := range parts {
			assert.Equal(t, i+1, p.PartNumber)
		}

		// Re-uploading a part number replaces the record.
		require.NoError(t, store.PutPart(ctx, &PartMetadata{
			UploadID: "u-parts", PartNumber: 2, Size: 999, ETag: "etag-new",
			Location: "00/00/00000000000000000000000000000099",
		}))
		part, err := store.GetPart(ctx, "u-parts", 2)
		require.NoError(t, err)
		assert.Equal(t, "etag-new", part.ETag)
		assert.Equal(t, int64(999), part.Size)

		require.NoError(t, store.DeleteParts(ctx, "u-parts"))
		parts, err = store.ListParts(ctx, "u-parts")
		require.NoError(t, err)
		assert.Empty(t, parts)

		_, err = store.GetPart(ctx, "u-parts", 1)
		assert.ErrorIs(t, err, ErrPartNotFound)
	})
}

func TestDeleteUploadPurgesParts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.CreateUpload(ctx, &UploadMetadata{
			UploadID: "u-purge", Bucket: "b", Key: "k",
		}))
		require.NoError(t, store.PutPart(ctx, &PartMetadata{
			UploadID: "u-purge", PartNumber: 1, Size: 1, ETag: "e",
			Location: "00/00/00000000000000000000000000000001",
		}))

		require.NoError(t, store.DeleteUpload(ctx, "u-purge"))

		parts, err := store.ListParts(ctx, "u-purge")
		require.NoError(t, err)
		assert.Empty(t, parts)
	})
}

// ==================== Durability Tests ====================

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			logger := logrus.New()
			logger.SetLevel(logrus.ErrorLevel)
			opts := Options{DataDir: dir, SyncWrites: true, Logger: logger}

			store, err := NewStore(backend, opts)
			require.NoError(t, err)
			mustCreateBucket(t, store, "persist")
			v := putTestVersion(t, store, "persist", "file", false)
			require.NoError(t, store.Close())

			reopened, err := NewStore(backend, opts)
			require.NoError(t, err)
			defer reopened.Close()

			head, err := reopened.GetLatest(ctx, "persist", "file")
			require.NoError(t, err)
			assert.Equal(t, v.VersionID, head.VersionID)
		})
	}
}

func TestNewStoreUnsupportedBackend(t *testing.T) {
	_, err := NewStore("etcd", Options{DataDir: t.TempDir()})
	assert.Error(t, err)
}
