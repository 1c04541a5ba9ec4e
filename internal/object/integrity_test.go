package object

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferfs/coffer/internal/metadata"
)

func TestVerifyBucketCleanStore(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	env.put(t, "b", "a", "first")
	env.put(t, "b", "b", "second")
	env.put(t, "b", "c", "third")

	report, err := env.mgr.VerifyBucket(ctx, "b", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 3, report.OK)
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.NextToken)
}

func TestVerifyBucketReportsMissingBlob(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	env.put(t, "b", "gone", "about to vanish")
	env.put(t, "b", "kept", "still here")

	head, err := env.store.GetLatest(ctx, "b", "gone")
	require.NoError(t, err)
	require.NoError(t, env.backend.Delete(ctx, head.Location))

	report, err := env.mgr.VerifyBucket(ctx, "b", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.OK)
	assert.Equal(t, 1, report.Missing)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "gone", report.Issues[0].Key)
	assert.Equal(t, IntegrityMissing, report.Issues[0].Status)
}

func TestVerifyBucketSkipsDeleteMarkers(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningEnabled)
	env.put(t, "b", "k", "payload")
	_, err := env.mgr.Delete(ctx, "b", "k", "")
	require.NoError(t, err)

	report, err := env.mgr.VerifyBucket(ctx, "b", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.OK)
}

func TestVerifyBucketPaged(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.createBucket(t, "b", metadata.VersioningSuspended)
	for _, key := range []string{"p1", "p2", "p3", "p4", "p5"} {
		env.put(t, "b", key, "content of "+key)
	}

	var checked int
	token := ""
	pages := 0
	for {
		report, err := env.mgr.VerifyBucket(ctx, "b", token, 2)
		require.NoError(t, err)
		checked += report.Checked
		pages++
		require.Less(t, pages, 10, "paging must terminate")
		if report.NextToken == "" {
			break
		}
		token = report.NextToken
	}
	assert.Equal(t, 5, checked)
	assert.GreaterOrEqual(t, pages, 3)
}

func TestVerifyBucketBadToken(t *testing.T) {
	env := setupTestEnv(t)
	env.createBucket(t, "b", metadata.VersioningSuspended)

	_, err := env.mgr.VerifyBucket(context.Background(), "b", "%%%not-base64%%%", 0)
	assert.Error(t, err)
}
