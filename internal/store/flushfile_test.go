package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlushFileSetClearHas(t *testing.T) {
	f := NewFlushFile(filepath.Join(t.TempDir(), "flush.scr"))
	require.False(t, f.Has(1, LocationCache))

	f.Set(1, LocationCache)
	require.True(t, f.Has(1, LocationCache))
	require.False(t, f.Has(1, LocationPFS))
	require.True(t, f.NeedsFlush(1))

	f.Set(1, LocationPFS)
	require.False(t, f.NeedsFlush(1))

	f.Clear(1, LocationCache)
	require.False(t, f.Has(1, LocationCache))
	require.True(t, f.Has(1, LocationPFS))
}

func TestFlushFileSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush.scr")
	f := NewFlushFile(path)
	f.Set(2, LocationCache|LocationFlushing)
	require.NoError(t, f.Save())

	loaded, err := LoadFlushFile(path)
	require.NoError(t, err)
	require.True(t, loaded.Has(2, LocationCache))
	require.True(t, loaded.Has(2, LocationFlushing))
}

func TestFlushFileAnyFlushing(t *testing.T) {
	f := NewFlushFile("")
	_, ok := f.AnyFlushing(-1)
	require.False(t, ok)

	f.Set(5, LocationFlushing)
	ckpt, ok := f.AnyFlushing(5)
	require.False(t, ok)
	require.Zero(t, ckpt)

	ckpt, ok = f.AnyFlushing(1)
	require.True(t, ok)
	require.Equal(t, 5, ckpt)
}

func TestFlushFileRemove(t *testing.T) {
	f := NewFlushFile("")
	f.Set(1, LocationCache)
	f.Remove(1)
	require.False(t, f.Has(1, LocationCache))
}

func TestLoadFlushFileMissingIsEmpty(t *testing.T) {
	f, err := LoadFlushFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.False(t, f.Has(0, LocationCache))
}
