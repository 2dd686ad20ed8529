package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	ix, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix, path
}

func TestIndex_SetGetDelete(t *testing.T) {
	ix, _ := openTestIndex(t)

	_, ok, err := ix.Get("a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ix.Set(Entry{LogicalPath: "a.txt", LocalHash: "h1"}))
	entry, ok, err := ix.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1", entry.LocalHash)

	require.NoError(t, ix.Delete("a.txt"))
	_, ok, err = ix.Get("a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIndex_BucketNameRoundTrip(t *testing.T) {
	ix, _ := openTestIndex(t)

	_, ok, err := ix.ResolveBucketName("_b/ab/cdef")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ix.PutBucketName("_b/ab/cdef", "some/very/long/logical/path.txt"))
	logicalPath, ok, err := ix.ResolveBucketName("_b/ab/cdef")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "some/very/long/logical/path.txt", logicalPath)

	// Re-bucketing (a rename colliding on the same hash, or a rescan)
	// overwrites rather than erroring.
	require.NoError(t, ix.PutBucketName("_b/ab/cdef", "different/path.txt"))
	logicalPath, ok, err = ix.ResolveBucketName("_b/ab/cdef")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "different/path.txt", logicalPath)
}

func TestIndex_Counters(t *testing.T) {
	ix, _ := openTestIndex(t)

	v, err := ix.Counter(CounterSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	v, err = ix.Counter(CounterRebuildGeneration)
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	require.NoError(t, ix.SetCounter(CounterLastFullScan, "2026-08-03T00:00:00Z"))
	v, err = ix.Counter(CounterLastFullScan)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-03T00:00:00Z", v)
}

func TestIndex_DestroySurvivesRebuildGeneration(t *testing.T) {
	ix, path := openTestIndex(t)

	require.NoError(t, ix.Set(Entry{LogicalPath: "a.txt"}))
	require.NoError(t, ix.Destroy())

	ix2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { ix2.Close() })

	v, err := ix2.Counter(CounterRebuildGeneration)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, ok, err := ix2.Get("a.txt")
	require.NoError(t, err)
	assert.False(t, ok, "Destroy must start the next incarnation from an empty index")

	require.NoError(t, ix2.Destroy())
	ix3, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { ix3.Close() })

	v, err = ix3.Counter(CounterRebuildGeneration)
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}
