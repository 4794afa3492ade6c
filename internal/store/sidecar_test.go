package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSidecarWriteReadUsable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ckpt.0.1")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	crc := uint32(0xdeadbeef)
	sc := &Sidecar{
		Filename:     file,
		FileType:     FileTypeFull,
		FileSize:     5,
		CheckpointID: 3,
		Rank:         1,
		RanksTotal:   4,
		Complete:     true,
		CRC32:        &crc,
	}
	require.NoError(t, WriteSidecar(file, sc))

	got, err := ReadSidecar(file)
	require.NoError(t, err)
	require.Equal(t, sc.FileSize, got.FileSize)

	usable, _, err := IsUsable(file, 3, 1, 4)
	require.NoError(t, err)
	require.True(t, usable)

	usable, _, err = IsUsable(file, 99, 1, 4)
	require.NoError(t, err)
	require.False(t, usable)
}

func TestSidecarMissingIsNotUsable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nope")
	usable, sc, err := IsUsable(file, 0, 0, 1)
	require.NoError(t, err)
	require.False(t, usable)
	require.Nil(t, sc)
}

func TestSidecarIncompleteIsNotUsable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ckpt.0.0")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, WriteSidecar(file, &Sidecar{Filename: file, FileSize: 1, Complete: false}))

	usable, _, err := IsUsable(file, 0, 0, 1)
	require.NoError(t, err)
	require.False(t, usable)
}

func TestSidecarSizeMismatchIsNotUsable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ckpt.0.0")
	require.NoError(t, os.WriteFile(file, []byte("xx"), 0o644))
	require.NoError(t, WriteSidecar(file, &Sidecar{Filename: file, FileSize: 999, Complete: true}))

	usable, _, err := IsUsable(file, 0, 0, 1)
	require.NoError(t, err)
	require.False(t, usable)
}

func TestVerifyCRC32(t *testing.T) {
	file := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(file, []byte("the quick brown fox"), 0o644))

	got, err := fileCRC32(file)
	require.NoError(t, err)

	ok, err := VerifyCRC32(file, &Sidecar{CRC32: &got})
	require.NoError(t, err)
	require.True(t, ok)

	bad := got + 1
	ok, err = VerifyCRC32(file, &Sidecar{CRC32: &bad})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = VerifyCRC32(file, &Sidecar{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveSidecarIgnoresMissing(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nope")
	require.NoError(t, RemoveSidecar(file))
}
