package rebuild

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/config"
	"github.com/scrgo/scr/internal/redundancy"
	"github.com/scrgo/scr/internal/store"
	"github.com/scrgo/scr/internal/topo"
)

func writeCheckpointFile(t *testing.T, dir string, rank int, content []byte) string {
	path := filepath.Join(dir, "ckpt.0."+string(rune('0'+rank)))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sc := &store.Sidecar{
		Filename: path, FileType: store.FileTypeFull, FileSize: int64(len(content)),
		CheckpointID: 0, Rank: rank, RanksTotal: 4, Complete: true,
	}
	require.NoError(t, store.WriteSidecar(path, sc))
	return path
}

func buildAndEncode(t *testing.T, copyType config.CopyType, contents [][]byte) ([]string, []*store.FileMap, []*topo.Descriptor) {
	hosts := []string{"n0", "n1", "n2", "n3"}
	world := comm.NewWorld(hosts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dirs := make([]string, len(world))
	fms := make([]*store.FileMap, len(world))
	paths := make([]string, len(world))
	for i := range world {
		dirs[i] = t.TempDir()
		fms[i] = store.New(filepath.Join(dirs[i], "filemap"))
		paths[i] = writeCheckpointFile(t, dirs[i], i, contents[i])
		fms[i].AddFile(0, i, paths[i])
		fms[i].SetExpectedCount(0, i, 1)
	}

	descs := make([]*topo.Descriptor, len(world))
	errs := make([]error, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			descs[i], errs[i] = topo.Build(ctx, world[i], copyType, 1, 4)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i, err := range errs {
		require.NoError(t, err, "rank %d topo", i)
		require.True(t, descs[i].Enabled, "rank %d", i)
	}

	encErrs := make([]error, len(world))
	for i := range world {
		go func(i int) {
			var enc redundancy.Encoder
			if copyType == config.CopyTypeXOR {
				enc = redundancy.XOREncoder{}
			} else {
				enc = redundancy.PartnerEncoder{}
			}
			encErrs[i] = enc.Encode(ctx, &redundancy.EncodeInput{
				Descriptor: descs[i], FileMap: fms[i], CheckpointID: 0,
				MyWorldRank: i, RanksTotal: 4, CheckpointDir: dirs[i], MPIBufSize: 64,
				CRCOnCopy: true,
			})
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i, err := range encErrs {
		require.NoError(t, err, "rank %d encode", i)
	}
	return dirs, fms, descs
}

func TestDetectFindsSingleVictim(t *testing.T) {
	world := comm.NewWorld([]string{"n0", "n1", "n2", "n3"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	descs := make([]*topo.Descriptor, len(world))
	errs := make([]error, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			descs[i], errs[i] = topo.Build(ctx, world[i], config.CopyTypeXOR, 1, 4)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}

	victim := 2
	roots := make([]int, len(world))
	unrec := make([]bool, len(world))
	rerrs := make([]error, len(world))
	for i := range world {
		go func(i int) {
			roots[i], unrec[i], rerrs[i] = Detect(ctx, descs[i], i != victim)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i, err := range rerrs {
		require.NoError(t, err, "rank %d", i)
		require.False(t, unrec[i], "rank %d", i)
		require.Equal(t, descs[victim].GroupRank, roots[i], "rank %d", i)
	}
}

func TestDetectFlagsUnrecoverable(t *testing.T) {
	world := comm.NewWorld([]string{"n0", "n1", "n2", "n3"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	descs := make([]*topo.Descriptor, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			d, err := topo.Build(ctx, world[i], config.CopyTypeXOR, 1, 4)
			require.NoError(t, err)
			descs[i] = d
			done <- i
		}(i)
	}
	for range world {
		<-done
	}

	missing := map[int]bool{0: true, 3: true}
	unrec := make([]bool, len(world))
	rerrs := make([]error, len(world))
	for i := range world {
		go func(i int) {
			_, unrec[i], rerrs[i] = Detect(ctx, descs[i], !missing[i])
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i, err := range rerrs {
		require.NoError(t, err, "rank %d", i)
		require.True(t, unrec[i], "rank %d", i)
	}
}

func TestXORRebuilderReconstructsVictim(t *testing.T) {
	contents := [][]byte{
		[]byte("rank-zero-data"),
		[]byte("rank-one-data!"),
		[]byte("rank-two-data!!"),
		[]byte("rank-three-dat"),
	}
	dirs, fms, descs := buildAndEncode(t, config.CopyTypeXOR, contents)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	victim := 1
	origPath := filepath.Join(dirs[victim], "ckpt.0.1")
	require.NoError(t, os.Remove(origPath))
	require.NoError(t, store.RemoveSidecar(origPath))

	rootGroupRank := descs[victim].GroupRank

	rebErrs := make([]error, len(descs))
	done := make(chan int, len(descs))
	for i := range descs {
		go func(i int) {
			rb := XORRebuilder{}
			rebErrs[i] = rb.Rebuild(ctx, &RebuildInput{
				Descriptor: descs[i], FileMap: fms[i], CheckpointID: 0,
				MyWorldRank: i, RanksTotal: 4, CheckpointDir: dirs[i], MPIBufSize: 64,
				CRCOnCopy: true, HaveAllFiles: i != victim,
			}, rootGroupRank)
			done <- i
		}(i)
	}
	for range descs {
		<-done
	}
	for i, err := range rebErrs {
		require.NoError(t, err, "rank %d rebuild", i)
	}

	got, err := os.ReadFile(origPath)
	require.NoError(t, err)
	require.Equal(t, contents[victim], got)

	usable, _, err := store.IsUsable(origPath, 0, victim, 4)
	require.NoError(t, err)
	require.True(t, usable)
}

func TestPartnerRebuilderRestoresVictim(t *testing.T) {
	contents := [][]byte{
		[]byte("payload-a"),
		[]byte("payload-bb"),
		[]byte("payload-ccc"),
		[]byte("payload-d"),
	}
	dirs, fms, descs := buildAndEncode(t, config.CopyTypePartner, contents)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	victim := 2
	origPath := filepath.Join(dirs[victim], "ckpt.0.2")
	require.NoError(t, os.Remove(origPath))
	require.NoError(t, store.RemoveSidecar(origPath))

	rootGroupRank := descs[victim].GroupRank

	rebErrs := make([]error, len(descs))
	done := make(chan int, len(descs))
	for i := range descs {
		go func(i int) {
			rb := PartnerRebuilder{}
			rebErrs[i] = rb.Rebuild(ctx, &RebuildInput{
				Descriptor: descs[i], FileMap: fms[i], CheckpointID: 0,
				MyWorldRank: i, RanksTotal: 4, CheckpointDir: dirs[i], MPIBufSize: 64,
				CRCOnCopy: true, HaveAllFiles: i != victim,
			}, rootGroupRank)
			done <- i
		}(i)
	}
	for range descs {
		<-done
	}
	for i, err := range rebErrs {
		require.NoError(t, err, "rank %d rebuild", i)
	}

	got, err := os.ReadFile(origPath)
	require.NoError(t, err)
	require.Equal(t, contents[victim], got)
	require.Contains(t, fms[victim].Files(0, victim), origPath)
}
