// Package fetch implements spec.md §4.7's fetch loader: read a checkpoint's
// summary file, distribute each rank's file list from rank 0 in a
// sliding window bounded by fetch_width, copy and CRC-verify every file
// into the local cache, and re-run the redundancy encoder once every rank
// has its files back.
//
// Grounded on original_source/src/scr_fetch.c's rank-0-reads/broadcasts
// and per-rank-sliding-window-distribute structure, and on
// internal/store.ReadSummary already implementing the v1-v5 format
// dispatch spec.md §9 asks a fetch loader to consult.
package fetch

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/config"
	"github.com/scrgo/scr/internal/redundancy"
	"github.com/scrgo/scr/internal/store"
	"github.com/scrgo/scr/internal/topo"
)

const (
	tagFetchOK      = 9301
	tagFetchSummary = 9302
	tagFetchDone    = 9303
)

// Input bundles what Load needs to pull one checkpoint back into the local
// cache and re-protect it.
type Input struct {
	World        comm.Communicator
	FileMap      *store.FileMap
	FlushFile    *store.FlushFile
	Descriptor   *topo.Descriptor // this rank's redundancy descriptor, for the post-fetch re-encode
	CheckpointID int
	MyWorldRank  int
	RanksTotal   int
	SourceDir    string // PFS directory holding summary.scr and the flushed files
	DestDir      string // local cache directory to fetch into
	Width        int    // fetch_width
	MPIBufSize   int
}

// Load implements the 5-step fetch: verify, distribute, copy+verify,
// reduce, re-encode.
func Load(ctx context.Context, in *Input) error {
	var summary *store.Summary
	var readErr error
	if in.MyWorldRank == 0 {
		summary, readErr = store.ReadSummary(in.SourceDir)
		if readErr == nil {
			cs, ok := summary.Ckpts[in.CheckpointID]
			if !ok || !cs.Complete || cs.RanksTotal != in.RanksTotal {
				readErr = errors.Errorf("fetch: checkpoint %d summary in %s is incomplete or rank-count mismatched", in.CheckpointID, in.SourceDir)
			}
		}
	}
	if err := broadcastOK(ctx, in.World, in.MyWorldRank, readErr); err != nil {
		return err
	}
	if in.MyWorldRank == 0 && readErr != nil {
		return readErr
	}

	if err := os.RemoveAll(in.DestDir); err != nil {
		return errors.Wrapf(err, "fetch: clear stale cache dir %s", in.DestDir)
	}
	if err := os.MkdirAll(in.DestDir, 0o755); err != nil {
		return errors.Wrapf(err, "fetch: mkdir %s", in.DestDir)
	}

	mine, distErr := distributeSummaries(ctx, in, summary)

	var fetchErr error
	if distErr == nil {
		fetchErr = fetchRankFiles(ctx, in, mine)
	} else {
		fetchErr = distErr
	}

	allOK, err := in.World.AllreduceAnd(ctx, fetchErr == nil)
	if err != nil {
		return errors.Wrap(err, "fetch: completion all-reduce")
	}
	if !allOK {
		if rmErr := os.RemoveAll(in.DestDir); rmErr != nil {
			return rmErr
		}
		if fetchErr != nil {
			return fetchErr
		}
		return errors.New("fetch: another rank failed to fetch its files")
	}

	if err := reencode(ctx, in); err != nil {
		return err
	}

	in.FlushFile.Set(in.CheckpointID, store.LocationCache)
	in.FlushFile.Set(in.CheckpointID, store.LocationPFS)
	return in.FlushFile.Save()
}

func broadcastOK(ctx context.Context, world comm.Communicator, myRank int, readErr error) error {
	msg := "OK"
	if myRank == 0 && readErr != nil {
		msg = "FAIL"
	}
	data, err := world.Bcast(ctx, 0, []byte(msg))
	if err != nil {
		return errors.Wrap(err, "fetch: broadcast summary-read status")
	}
	if string(data) == "FAIL" {
		return errors.New("fetch: rank 0 failed to read the checkpoint summary")
	}
	return nil
}

// distributeSummaries hands each rank its own RankSummary sub-hash, rank 0
// sending at most Width outstanding sends concurrently (spec.md §4.7's
// sliding window), and returns the caller's own sub-hash.
func distributeSummaries(ctx context.Context, in *Input, summary *store.Summary) (*store.RankSummary, error) {
	if in.MyWorldRank != 0 {
		data, err := in.World.Recv(ctx, 0, tagFetchSummary)
		if err != nil {
			return nil, errors.Wrap(err, "fetch: receive rank summary")
		}
		var rs store.RankSummary
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, errors.Wrap(err, "fetch: parse rank summary")
		}
		if err := in.World.Send(ctx, 0, tagFetchDone, nil); err != nil {
			return nil, errors.Wrap(err, "fetch: ack rank summary")
		}
		return &rs, nil
	}

	cs := summary.Ckpts[in.CheckpointID]
	width := in.Width
	if width <= 0 {
		width = 1
	}
	sem := make(chan struct{}, width)
	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r < in.RanksTotal; r++ {
		r := r
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			rs, ok := cs.Ranks[r]
			if !ok {
				rs = &store.RankSummary{Files: make(map[string]*store.FileEntry)}
			}
			data, err := json.Marshal(rs)
			if err != nil {
				return errors.Wrapf(err, "fetch: marshal summary for rank %d", r)
			}
			if err := in.World.Send(gctx, r, tagFetchSummary, data); err != nil {
				return errors.Wrapf(err, "fetch: send summary to rank %d", r)
			}
			if _, err := in.World.Recv(gctx, r, tagFetchDone); err != nil {
				return errors.Wrapf(err, "fetch: ack from rank %d", r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	mine, ok := cs.Ranks[0]
	if !ok {
		mine = &store.RankSummary{Files: make(map[string]*store.FileEntry)}
	}
	return mine, nil
}

// fetchRankFiles copies and CRC-verifies every non-NoFetch file this rank
// owns, in parallel, updating FileMap as each one lands.
func fetchRankFiles(ctx context.Context, in *Input, mine *store.RankSummary) error {
	g, _ := errgroup.WithContext(ctx)
	for base, entry := range mine.Files {
		base, entry := base, entry
		if entry.NoFetch {
			continue
		}
		g.Go(func() error { return fetchOneFile(in, base, entry) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	in.FileMap.SetExpectedCount(in.CheckpointID, in.MyWorldRank, len(mine.Files))
	return in.FileMap.Save()
}

func fetchOneFile(in *Input, base string, entry *store.FileEntry) error {
	src := filepath.Join(in.SourceDir, base)
	dst := filepath.Join(in.DestDir, base)

	srcFile, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "fetch: open %s", src)
	}
	defer srcFile.Close()
	dstFile, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "fetch: create %s", dst)
	}
	h := crc32.NewIEEE()
	n, err := io.Copy(dstFile, io.TeeReader(srcFile, h))
	if cerr := dstFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "fetch: copy %s", src)
	}
	if n != entry.Size {
		return errors.Errorf("fetch: %s size mismatch: got %d want %d", src, n, entry.Size)
	}
	got := h.Sum32()
	if entry.CRC32 != nil && *entry.CRC32 != got {
		return errors.Errorf("fetch: %s CRC mismatch", src)
	}

	sc := &store.Sidecar{
		Filename: dst, FileType: store.FileTypeFull, FileSize: n,
		CheckpointID: in.CheckpointID, Rank: in.MyWorldRank, RanksTotal: in.RanksTotal,
		Complete: true, CRC32: &got,
	}
	if err := store.WriteSidecar(dst, sc); err != nil {
		return err
	}
	in.FileMap.AddFile(in.CheckpointID, in.MyWorldRank, dst)
	return nil
}

// reencode reruns the redundancy encoder for this rank's descriptor,
// spec.md §4.7's "fetched checkpoints are re-protected as if freshly
// written" requirement.
func reencode(ctx context.Context, in *Input) error {
	if in.Descriptor == nil || in.Descriptor.CopyType == config.CopyTypeLocal {
		return nil
	}
	var enc redundancy.Encoder
	switch in.Descriptor.CopyType {
	case config.CopyTypePartner:
		enc = redundancy.PartnerEncoder{}
	case config.CopyTypeXOR:
		enc = redundancy.XOREncoder{}
	default:
		return errors.Errorf("fetch: unknown copy type %q", in.Descriptor.CopyType)
	}
	return enc.Encode(ctx, &redundancy.EncodeInput{
		Descriptor:    in.Descriptor,
		FileMap:       in.FileMap,
		CheckpointID:  in.CheckpointID,
		MyWorldRank:   in.MyWorldRank,
		RanksTotal:    in.RanksTotal,
		CheckpointDir: in.DestDir,
		MPIBufSize:    in.MPIBufSize,
		CRCOnCopy:     true,
	})
}
