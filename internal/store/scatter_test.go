package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/comm"
)

func TestScatterFileMapsRedistributes(t *testing.T) {
	dir := t.TempDir()
	masterIndexDir := filepath.Join(dir, "master")

	// Build a master index with holders for world ranks 0..3, saved under
	// masterIndexDir as if written by a previous node-local rank 0.
	seed := New(filepath.Join(masterIndexDir, "rank.0.filemap"))
	for holder := 0; holder < 4; holder++ {
		seed.AddFile(1, holder, "ckpt.1."+string(rune('0'+holder))+".0")
		seed.SetExpectedCount(1, holder, 1)
	}
	require.NoError(t, seed.Save())

	world := comm.NewWorld([]string{"node0", "node0", "node0", "node0"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([]*FileMap, len(world))
	errs := make([]error, len(world))
	var wg sync.WaitGroup
	for i := range world {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := filepath.Join(dir, "shard."+string(rune('0'+i)))
			results[i], errs[i] = ScatterFileMaps(ctx, world[i], masterIndexDir, path, i)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}

	total := 0
	for i, fm := range results {
		for _, ckpt := range fm.Checkpoints() {
			total += len(fm.Ranks(ckpt))
		}
		require.NotNil(t, fm, "rank %d", i)
	}
	require.Equal(t, 4, total)
}
