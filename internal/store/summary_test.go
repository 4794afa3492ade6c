package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummaryWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewSummary(4, 2)
	crc := uint32(42)
	s.AddFile(4, 0, "ckpt.4.0.0", &FileEntry{Size: 1024, Complete: true, CRC32: &crc})
	s.AddFile(4, 1, "ckpt.4.1.0", &FileEntry{Size: 2048, Complete: true})
	s.Ckpts[4].Complete = true

	require.NoError(t, WriteSummary(filepath.Join(dir, "summary.scr"), s))

	loaded, err := ReadSummary(dir)
	require.NoError(t, err)
	require.Equal(t, SummaryFileVersionCurrent, loaded.Version)
	require.True(t, loaded.Ckpts[4].Complete)
	require.Equal(t, int64(1024), loaded.Ckpts[4].Ranks[0].Files["ckpt.4.0.0"].Size)
}

func TestReadLegacySummary(t *testing.T) {
	dir := t.TempDir()
	legacy := "Version: 3\n" +
		"Rank_Total: 2\n" +
		"Complete: 1\n" +
		"Rank: 0\n" +
		"File: ckpt.0.0.0 512 1a2b3c NOFETCH\n" +
		"Rank: 1\n" +
		"File: ckpt.0.1.0 1024 -\n"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".scr"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".scr", "summary.txt"), []byte(legacy), 0o644))

	s, err := ReadSummary(dir)
	require.NoError(t, err)
	require.Equal(t, 3, s.Version)
	require.True(t, s.Ckpts[0].Complete)
	require.Equal(t, 2, s.Ckpts[0].RanksTotal)

	f0 := s.Ckpts[0].Ranks[0].Files["ckpt.0.0.0"]
	require.Equal(t, int64(512), f0.Size)
	require.True(t, f0.NoFetch)
	require.NotNil(t, f0.CRC32)

	f1 := s.Ckpts[0].Ranks[1].Files["ckpt.0.1.0"]
	require.Equal(t, int64(1024), f1.Size)
	require.Nil(t, f1.CRC32)
	require.False(t, f1.NoFetch)
}

func TestReadSummaryMissingIsError(t *testing.T) {
	_, err := ReadSummary(t.TempDir())
	require.Error(t, err)
}

func TestReadSummaryPrefersV5OverLegacy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.txt"), []byte("Version: 1\nRank_Total: 1\n"), 0o644))
	require.NoError(t, WriteSummary(filepath.Join(dir, "summary.scr"), NewSummary(0, 1)))

	s, err := ReadSummary(dir)
	require.NoError(t, err)
	require.Equal(t, SummaryFileVersionCurrent, s.Version)
}
