package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/internal/store"
)

func writeCachedCheckpoint(t *testing.T, dir string, id int) string {
	ckptDir := filepath.Join(dir, "checkpoint."+string(rune('0'+id)))
	require.NoError(t, os.MkdirAll(ckptDir, 0o755))
	path := filepath.Join(ckptDir, "f")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	require.NoError(t, store.WriteSidecar(path, &store.Sidecar{
		Filename: path, FileType: store.FileTypeFull, FileSize: 4,
		CheckpointID: id, Rank: 0, RanksTotal: 1, Complete: true,
	}))
	return path
}

func TestReserveEvictsOldestNonFlushing(t *testing.T) {
	dir := t.TempDir()
	fm := store.New(filepath.Join(dir, "filemap"))
	ff := store.NewFlushFile(filepath.Join(dir, "flush.scrinfo"))

	p0 := writeCachedCheckpoint(t, dir, 0)
	p1 := writeCachedCheckpoint(t, dir, 1)
	fm.AddFile(0, 0, p0)
	fm.AddFile(1, 0, p1)
	ff.Set(0, store.LocationCache)
	ff.Set(1, store.LocationCache|store.LocationFlushing)

	mgr := &Manager{FileMap: fm, FlushFile: ff, CacheDir: dir, Capacity: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := mgr.Reserve(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, mgr.CheckpointDir(2), got)

	_, statErr := os.Stat(p0)
	require.True(t, os.IsNotExist(statErr), "checkpoint 0's file should have been evicted")
	require.Empty(t, fm.Files(0, 0))
	require.NotEmpty(t, fm.Files(1, 0), "flushing checkpoint 1 must not be evicted")
}

func TestReserveBlocksUntilFlushCompletes(t *testing.T) {
	dir := t.TempDir()
	fm := store.New(filepath.Join(dir, "filemap"))
	ff := store.NewFlushFile(filepath.Join(dir, "flush.scrinfo"))

	p0 := writeCachedCheckpoint(t, dir, 0)
	fm.AddFile(0, 0, p0)
	ff.Set(0, store.LocationCache|store.LocationFlushing)

	mgr := &Manager{FileMap: fm, FlushFile: ff, CacheDir: dir, Capacity: 1, PollInterval: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Reserve(ctx, 1)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	ff.Clear(0, store.LocationFlushing)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Reserve never unblocked after flush completed")
	}
}
