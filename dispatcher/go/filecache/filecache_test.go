package filecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/go/testutils"
)

type record struct {
	Value string
}

func TestEntry_ReadMissReturnsFalse(t *testing.T) {
	testutils.SmallTest(t)
	c, err := New(t.TempDir())
	require.NoError(t, err)

	e, err := c.Entry("k1")
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	var dest record
	ok, err := e.Read(&dest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntry_WriteThenReadRoundTrips(t *testing.T) {
	testutils.SmallTest(t)
	c, err := New(t.TempDir())
	require.NoError(t, err)

	e, err := c.Entry("k1")
	require.NoError(t, err)
	require.NoError(t, e.Write(record{Value: "hello"}))
	require.NoError(t, e.Close())

	e2, err := c.Entry("k1")
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()

	var dest record
	ok, err := e2.Read(&dest)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", dest.Value)
}

func TestEntry_CorruptFileTreatedAsMiss(t *testing.T) {
	testutils.SmallTest(t)
	root := t.TempDir()
	c, err := New(root)
	require.NoError(t, err)

	dir := filepath.Join(root, "k1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, cacheFileName), []byte("not json"), 0o644))

	e, err := c.Entry("k1")
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	var dest record
	ok, err := e.Read(&dest)
	require.NoError(t, err, "a corrupt cache entry must read as a miss, not an error")
	assert.False(t, ok)
}

func TestEntry_WriteOverwritesShorterPreviousContent(t *testing.T) {
	testutils.SmallTest(t)
	c, err := New(t.TempDir())
	require.NoError(t, err)

	e, err := c.Entry("k1")
	require.NoError(t, err)
	require.NoError(t, e.Write(record{Value: "a very long value to start with"}))
	require.NoError(t, e.Write(record{Value: "short"}))
	require.NoError(t, e.Close())

	e2, err := c.Entry("k1")
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()

	var dest record
	ok, err := e2.Read(&dest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "short", dest.Value)
}

func TestGC_RemovesOnlyStaleEntries(t *testing.T) {
	testutils.SmallTest(t)
	root := t.TempDir()
	c, err := New(root)
	require.NoError(t, err)

	fresh, err := c.Entry("fresh")
	require.NoError(t, err)
	require.NoError(t, fresh.Write(record{Value: "fresh"}))
	require.NoError(t, fresh.Close())

	stale, err := c.Entry("stale")
	require.NoError(t, err)
	require.NoError(t, stale.Write(record{Value: "stale"}))
	require.NoError(t, stale.Close())

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "stale", cacheFileName), old, old))

	require.NoError(t, GC(context.Background(), root, 24*time.Hour))

	_, err = os.Stat(filepath.Join(root, "stale"))
	assert.True(t, os.IsNotExist(err), "stale entry should have been removed")
	_, err = os.Stat(filepath.Join(root, "fresh", cacheFileName))
	assert.NoError(t, err, "fresh entry must survive the sweep")
}
