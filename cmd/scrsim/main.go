// Command scrsim drives an in-process, multi-rank simulation of an
// application's checkpoint loop against comm.NewWorld's in-memory
// transport — the same harness every package's own tests use, wired up
// here as a standalone tool for exercising scr.Engine end to end without
// a real cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/profile"

	"github.com/scrgo/scr"
	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/config"
)

func main() {
	ranks := flag.Int("ranks", 4, "number of simulated ranks")
	nodes := flag.Int("nodes", 2, "number of simulated nodes (ranks are striped round-robin across them)")
	checkpoints := flag.Int("checkpoints", 5, "number of checkpoints to take")
	fileSize := flag.Int("file-size", 1<<20, "bytes each rank writes per checkpoint")
	copyType := flag.String("copy-type", "XOR", "LOCAL, PARTNER, or XOR")
	setSize := flag.Int("set-size", 4, "XOR set size")
	profileMode := flag.String("profile", "", "cpu, mem, or empty to disable profiling")
	workDir := flag.String("work-dir", "", "simulation directory; defaults to a temp directory")
	flag.Parse()

	if *profileMode != "" {
		defer startProfile(*profileMode).Stop()
	}

	if err := run(*ranks, *nodes, *checkpoints, *fileSize, *copyType, *setSize, *workDir); err != nil {
		log.Fatalf("scrsim: %v", err)
	}
}

func startProfile(mode string) interface{ Stop() } {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."))
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath("."))
	default:
		log.Fatalf("scrsim: unknown --profile %q (want cpu or mem)", mode)
		return nil
	}
}

func run(ranks, nodes, checkpoints, fileSize int, copyType string, setSize int, workDir string) error {
	if workDir == "" {
		var err error
		workDir, err = os.MkdirTemp("", "scrsim-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)
	}

	hostnames := make([]string, ranks)
	for i := range hostnames {
		hostnames[i] = fmt.Sprintf("node%d", i%nodes)
	}
	world := comm.NewWorld(hostnames)

	ctx := context.Background()
	engines := make([]*scr.Engine, ranks)
	if err := parallel(ranks, func(i int) error {
		cfg := &config.Config{
			Enable: true, UserName: "scrsim", JobID: "sim",
			CntlBase: filepath.Join(workDir, "cntl"), CacheBase: filepath.Join(workDir, "cache"),
			Prefix: filepath.Join(workDir, "pfs"),
			CacheSize: checkpoints + 1, CopyType: config.CopyType(copyType), SetSize: setSize, HopDistance: 1,
			MPIBufSize: 1 << 16, FileBufSize: 1 << 16,
			Distribute: true, Fetch: true, FlushWidth: 32, FetchWidth: 32,
			CRCOnFlush: true, CheckpointInterval: 1,
		}
		var err error
		engines[i], err = scr.Init(ctx, world[i], cfg)
		return err
	}); err != nil {
		return err
	}

	payload := make([]byte, fileSize)
	for c := 0; c < checkpoints; c++ {
		if err := parallel(ranks, func(i int) error {
			need, err := engines[i].NeedCheckpoint(ctx)
			if err != nil || !need {
				return err
			}
			if err := engines[i].StartCheckpoint(ctx); err != nil {
				return err
			}
			path, err := engines[i].RouteFile(fmt.Sprintf("rank%d.ckpt", i))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, payload, 0o644); err != nil {
				return err
			}
			return engines[i].CompleteCheckpoint(ctx, true)
		}); err != nil {
			return err
		}
		log.Printf("scrsim: completed checkpoint %d/%d", c+1, checkpoints)
	}

	return parallel(ranks, func(i int) error {
		return engines[i].Finalize(ctx)
	})
}

// parallel runs fn(0..n-1) concurrently and returns the first error, after
// every goroutine has finished — matching how every collective call in
// this repo must be driven: one goroutine per rank, none left stranded.
func parallel(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
