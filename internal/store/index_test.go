package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexFileAddMarkSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.scr")
	idx := NewIndexFile(path)
	idx.AddSubdir(1, "scr.dataset.1", "2026-08-03T10:00:00Z")
	idx.AddSubdir(2, "scr.dataset.2", "2026-08-03T11:00:00Z")
	idx.MarkComplete(1, "scr.dataset.1")

	_, _, ok := idx.LatestComplete()
	require.True(t, ok)

	require.NoError(t, idx.Save())

	loaded, err := LoadIndexFile(path)
	require.NoError(t, err)
	ckpt, subdir, ok := loaded.LatestComplete()
	require.True(t, ok)
	require.Equal(t, 1, ckpt)
	require.Equal(t, "scr.dataset.1", subdir)

	loaded.MarkComplete(2, "scr.dataset.2")
	ckpt, subdir, ok = loaded.LatestComplete()
	require.True(t, ok)
	require.Equal(t, 2, ckpt)
	require.Equal(t, "scr.dataset.2", subdir)
}

func TestIndexFileLatestCompleteSkipsFailed(t *testing.T) {
	idx := NewIndexFile("")
	idx.AddSubdir(1, "a", "t1")
	idx.MarkComplete(1, "a")
	idx.AddSubdir(2, "b", "t2")
	idx.MarkComplete(2, "b")
	idx.Ckpts[2]["b"].Failed = true

	ckpt, subdir, ok := idx.LatestComplete()
	require.True(t, ok)
	require.Equal(t, 1, ckpt)
	require.Equal(t, "a", subdir)
}

func TestIndexFileMarkFetched(t *testing.T) {
	idx := NewIndexFile("")
	idx.AddSubdir(1, "a", "t1")
	idx.MarkFetched(1, "a", "t2")
	require.Equal(t, "t2", idx.Ckpts[1]["a"].FetchedTime)
}

func TestLoadIndexFileMissingIsEmpty(t *testing.T) {
	idx, err := LoadIndexFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	_, _, ok := idx.LatestComplete()
	require.False(t, ok)
}
