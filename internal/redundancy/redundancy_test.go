package redundancy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/config"
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

func TestXOREncoderProducesChunkPerRank(t *testing.T) {
	hosts := []string{"n0", "n1", "n2", "n3"}
	world := comm.NewWorld(hosts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dirs := make([]string, len(world))
	fms := make([]*store.FileMap, len(world))
	for i := range world {
		dirs[i] = t.TempDir()
		fms[i] = store.New(filepath.Join(dirs[i], "filemap"))
		path := writeCheckpointFile(t, dirs[i], i, []byte("rank-data-"+string(rune('0'+i))))
		fms[i].AddFile(0, i, path)
		fms[i].SetExpectedCount(0, i, 1)
	}

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
		require.NoError(t, err, "rank %d topo", i)
		require.True(t, descs[i].Enabled, "rank %d", i)
	}

	encErrs := make([]error, len(world))
	for i := range world {
		go func(i int) {
			enc := XOREncoder{}
			encErrs[i] = enc.Encode(ctx, &EncodeInput{
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
		require.NotEmpty(t, fms[i].Files(0, i))
	}
}

func TestPartnerEncoderCopiesNeighborFiles(t *testing.T) {
	hosts := []string{"n0", "n1", "n2", "n3"}
	world := comm.NewWorld(hosts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dirs := make([]string, len(world))
	fms := make([]*store.FileMap, len(world))
	for i := range world {
		dirs[i] = t.TempDir()
		fms[i] = store.New(filepath.Join(dirs[i], "filemap"))
		path := writeCheckpointFile(t, dirs[i], i, []byte("payload-"+string(rune('0'+i))))
		fms[i].AddFile(0, i, path)
		fms[i].SetExpectedCount(0, i, 1)
	}

	descs := make([]*topo.Descriptor, len(world))
	errs := make([]error, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			descs[i], errs[i] = topo.Build(ctx, world[i], config.CopyTypePartner, 1, 4)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i, err := range errs {
		require.NoError(t, err, "rank %d topo", i)
	}

	encErrs := make([]error, len(world))
	for i := range world {
		go func(i int) {
			enc := PartnerEncoder{}
			encErrs[i] = enc.Encode(ctx, &EncodeInput{
				Descriptor: descs[i], FileMap: fms[i], CheckpointID: 0,
				MyWorldRank: i, RanksTotal: 4, CheckpointDir: dirs[i], MPIBufSize: 64,
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
}
