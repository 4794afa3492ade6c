package distribute

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/internal/store"
)

func setupRank(t *testing.T, rank int, content []byte) (dir string, fm *store.FileMap, path string) {
	dir = t.TempDir()
	fm = store.New(filepath.Join(dir, "filemap"))
	path = filepath.Join(dir, "ckpt.0.owned")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, store.WriteSidecar(path, &store.Sidecar{
		Filename: path, FileType: store.FileTypeFull, FileSize: int64(len(content)),
		CheckpointID: 0, Rank: rank, RanksTotal: 4, Complete: true,
	}))
	fm.AddFile(0, rank, path)
	fm.SetExpectedCount(0, rank, 1)
	return dir, fm, path
}

func runDistribute(t *testing.T, dirs []string, fms []*store.FileMap) []error {
	world := comm.NewWorld([]string{"n0", "n1", "n2", "n3"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			errs[i] = Distribute(ctx, &Input{
				World: world[i], FileMap: fms[i], CheckpointID: 0,
				MyWorldRank: i, RanksTotal: 4, CheckpointDir: dirs[i], MPIBufSize: 64,
				CRCOnCopy: true,
			})
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	return errs
}

func TestDistributeNoOpWhenAlreadyBalanced(t *testing.T) {
	dirs := make([]string, 4)
	fms := make([]*store.FileMap, 4)
	paths := make([]string, 4)
	for i := 0; i < 4; i++ {
		dirs[i], fms[i], paths[i] = setupRank(t, i, []byte{byte(i)})
	}

	errs := runDistribute(t, dirs, fms)
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
		require.Equal(t, []string{paths[i]}, fms[i].Files(0, i))
	}
}

func TestDistributeSwapsMisplacedFiles(t *testing.T) {
	dir0 := t.TempDir()
	dir1 := t.TempDir()
	dirs := []string{dir0, dir1, t.TempDir(), t.TempDir()}

	// Rank 0's node physically holds rank 1's file, and vice versa.
	path1 := filepath.Join(dir0, "ckpt.0.misplaced1")
	require.NoError(t, os.WriteFile(path1, []byte("rank-one"), 0o644))
	require.NoError(t, store.WriteSidecar(path1, &store.Sidecar{
		Filename: path1, FileType: store.FileTypeFull, FileSize: 8,
		CheckpointID: 0, Rank: 1, RanksTotal: 4, Complete: true,
	}))
	fm0 := store.New(filepath.Join(dir0, "filemap"))
	fm0.AddFile(0, 1, path1)
	fm0.SetExpectedCount(0, 1, 1)

	path0 := filepath.Join(dir1, "ckpt.0.misplaced0")
	require.NoError(t, os.WriteFile(path0, []byte("rank-zer"), 0o644))
	require.NoError(t, store.WriteSidecar(path0, &store.Sidecar{
		Filename: path0, FileType: store.FileTypeFull, FileSize: 8,
		CheckpointID: 0, Rank: 0, RanksTotal: 4, Complete: true,
	}))
	fm1 := store.New(filepath.Join(dir1, "filemap"))
	fm1.AddFile(0, 0, path0)
	fm1.SetExpectedCount(0, 0, 1)

	fm2 := store.New(filepath.Join(dirs[2], "filemap"))
	fm3 := store.New(filepath.Join(dirs[3], "filemap"))

	errs := runDistribute(t, dirs, []*store.FileMap{fm0, fm1, fm2, fm3})
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}

	got0 := fm0.Files(0, 0)
	require.Len(t, got0, 1)
	data, err := os.ReadFile(got0[0])
	require.NoError(t, err)
	require.Equal(t, []byte("rank-zer"), data)

	got1 := fm1.Files(0, 1)
	require.Len(t, got1, 1)
	data, err = os.ReadFile(got1[0])
	require.NoError(t, err)
	require.Equal(t, []byte("rank-one"), data)
}
