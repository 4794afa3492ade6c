package store

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileCRC32MatchesStreamedHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := fileCRC32(path)
	require.NoError(t, err)

	want := crc32.Checksum(content, crcTable)
	require.Equal(t, want, got)
}

func TestFileCRC32MissingFile(t *testing.T) {
	_, err := fileCRC32(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
