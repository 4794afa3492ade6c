package scr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/config"
)

func testConfig(base string, rank int) *config.Config {
	return &config.Config{
		Enable:    true,
		UserName:  "tester",
		JobID:     "job1",
		CntlBase:  filepath.Join(base, "cntl"),
		CacheBase: filepath.Join(base, "cache"),
		Prefix:    filepath.Join(base, "pfs"),

		CacheSize:   2,
		CopyType:    config.CopyTypeLocal,
		SetSize:     2,
		HopDistance: 1,
		MPIBufSize:  4096,
		FileBufSize: 4096,

		Distribute: true,
		Fetch:      true,
		Flush:      0, // periodic flush disabled; CompleteCheckpoint under test flushes explicitly
		FlushWidth: 4,
		FetchWidth: 4,

		CRCOnCopy:  true,
		CRCOnFlush: true,

		CheckpointInterval: 1,
	}
}

func TestEngineLifecycleSingleNodeLocal(t *testing.T) {
	base := t.TempDir()
	world := comm.NewWorld([]string{"n0", "n0"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engines := make([]*Engine, 2)
	errs := make([]error, 2)
	done := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			engines[i], errs[i] = Init(ctx, world[i], testConfig(base, i))
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i := range engines {
		require.NoError(t, errs[i], "rank %d", i)
	}

	for i := 0; i < 2; i++ {
		go func(i int) {
			need, err := engines[i].NeedCheckpoint(ctx)
			require.NoError(t, err)
			require.True(t, need)
			errs[i] = engines[i].StartCheckpoint(ctx)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i := range errs {
		require.NoError(t, errs[i], "rank %d start", i)
	}

	for i := 0; i < 2; i++ {
		path, err := engines[i].RouteFile("state.dat")
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
	}

	for i := 0; i < 2; i++ {
		go func(i int) {
			errs[i] = engines[i].CompleteCheckpoint(ctx, true)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i := range errs {
		require.NoError(t, errs[i], "rank %d complete", i)
	}

	// Completing the same checkpoint twice without starting a new one is
	// rejected.
	require.Error(t, engines[0].CompleteCheckpoint(ctx, true))

	for i := 0; i < 2; i++ {
		go func(i int) {
			errs[i] = engines[i].Finalize(ctx)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}
	for i := range errs {
		require.NoError(t, errs[i], "rank %d finalize", i)
	}
}

func TestNeedCheckpointHonorsInterval(t *testing.T) {
	base := t.TempDir()
	world := comm.NewWorld([]string{"n0"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig(base, 0)
	cfg.CheckpointInterval = 2

	e, err := Init(ctx, world[0], cfg)
	require.NoError(t, err)

	e.checkpointCount = 1
	need, err := e.NeedCheckpoint(ctx)
	require.NoError(t, err)
	require.False(t, need, "interval 2 should skip an odd call count")

	e.checkpointCount = 2
	need, err = e.NeedCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, need)
}

func TestRouteFileRequiresActiveCheckpoint(t *testing.T) {
	base := t.TempDir()
	world := comm.NewWorld([]string{"n0"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := Init(ctx, world[0], testConfig(base, 0))
	require.NoError(t, err)

	_, err = e.RouteFile("x")
	require.Error(t, err)
}
