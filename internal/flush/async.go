package flush

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/scrgo/scr/internal/store"
)

// StartAsync implements spec.md §4.6's async "start": set FLUSHING,
// publish the destination directory, and enqueue this rank's files into
// the node-shared transfer file for the external mover to drive.
func (s *Scheduler) StartAsync(ctx context.Context, checkpointID, myWorldRank, ranksTotal int) error {
	if other, flushing := s.FlushFile.AnyFlushing(checkpointID); flushing {
		return errors.Errorf("flush: checkpoint %d is already flushing, cannot start %d", other, checkpointID)
	}

	var destDir, subdir string
	if myWorldRank == 0 {
		subdir = fmt.Sprintf("scr.%s.%s.%d", flushTimestamp(), s.JobID, checkpointID)
		destDir = filepath.Join(s.Prefix, subdir)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return errors.Wrapf(err, "flush: mkdir %s", destDir)
		}
		s.IndexFile.AddSubdir(checkpointID, subdir, flushTimestamp())
		if err := s.IndexFile.Save(); err != nil {
			return err
		}
	}
	destBytes, err := s.World.Bcast(ctx, 0, []byte(destDir))
	if err != nil {
		return errors.Wrap(err, "flush: broadcast async destination dir")
	}
	destDir = string(destBytes)
	s.asyncDir = destDir

	entries := make(map[string]*store.TransferEntry)
	for _, f := range s.FileMap.Files(checkpointID, myWorldRank) {
		info, err := os.Stat(f)
		if err != nil {
			return errors.Wrapf(err, "flush: stat %s", f)
		}
		entries[f] = &store.TransferEntry{
			Destination: filepath.Join(destDir, filepath.Base(f)),
			Size:        info.Size(),
		}
	}

	// A node's peers enqueue into the same on-disk transfer file; the
	// lock/reload/merge/save sequence in WithLock is the merge point
	// spec.md §4.6 describes as "the node-local rank 0 merges peers'
	// enqueues" — every local rank calling WithLock against the same
	// path achieves the same effect without a separate local gather.
	if err := s.Transfer.WithLock(func(t *store.TransferFile) error {
		for src, e := range entries {
			t.Files[src] = e
		}
		t.BW = s.BW
		t.Percent = s.Percent
		t.Command = store.CommandRun
		t.FlagDone = false
		return nil
	}); err != nil {
		return err
	}

	s.FlushFile.Set(checkpointID, store.LocationFlushing)
	s.logger().WithField("checkpoint", checkpointID).Info("async flush started")
	return s.FlushFile.Save()
}

// TestAsync implements the "test" phase: per-file completeness from the
// transfer file, reduced across the world.
func (s *Scheduler) TestAsync(ctx context.Context) (complete bool, bytesWritten int64, err error) {
	myDone := true
	var mySum int64
	if err := s.Transfer.WithLock(func(t *store.TransferFile) error {
		for _, e := range t.Files {
			mySum += e.Written
			if !e.Complete() {
				myDone = false
			}
		}
		return nil
	}); err != nil {
		return false, 0, err
	}

	allDone, err := s.World.AllreduceAnd(ctx, myDone)
	if err != nil {
		return false, 0, errors.Wrap(err, "flush: async completeness all-reduce")
	}
	total, err := s.World.AllreduceSum(ctx, mySum)
	if err != nil {
		return false, 0, errors.Wrap(err, "flush: async progress all-reduce")
	}
	return allDone, total, nil
}

// CompleteAsync implements the "complete" phase: gather per-rank
// summaries the same way Sync does, publish, clear FLUSHING, set PFS, and
// drop this rank's finished entries from the transfer file.
func (s *Scheduler) CompleteAsync(ctx context.Context, checkpointID, myWorldRank, ranksTotal int) error {
	complete, _, err := s.TestAsync(ctx)
	if err != nil {
		return err
	}
	if !complete {
		return errors.New("flush: async flush is not complete yet")
	}

	mine, err := s.asyncRankSummary(checkpointID, myWorldRank, ranksTotal)
	if err != nil {
		return err
	}
	summary, err := s.slidingWindowGather(ctx, myWorldRank, ranksTotal, checkpointID, mine)
	if err != nil {
		return err
	}

	var publishErr error
	if myWorldRank == 0 {
		publishErr = s.publish(summary, checkpointID, ranksTotal, s.asyncDir, filepath.Base(s.asyncDir))
	}
	ok, err := s.World.AllreduceAnd(ctx, publishErr == nil)
	if err != nil {
		return errors.Wrap(err, "flush: async completion all-reduce")
	}
	if !ok {
		if publishErr != nil {
			return publishErr
		}
		return errors.New("flush: another rank failed to publish the async flush")
	}

	if err := s.Transfer.WithLock(func(t *store.TransferFile) error {
		for _, f := range s.FileMap.Files(checkpointID, myWorldRank) {
			delete(t.Files, f)
		}
		t.Command = store.CommandStop
		return nil
	}); err != nil {
		return err
	}

	s.FlushFile.Clear(checkpointID, store.LocationFlushing)
	s.FlushFile.Set(checkpointID, store.LocationPFS)
	s.logger().WithField("checkpoint", checkpointID).Info("async flush complete")
	return s.FlushFile.Save()
}

// StopAsync implements the "stop" cancellation path: request STOP, wait
// for the mover to report STATE=STOP on every node, then clear the files
// list and the FLUSHING bit without setting PFS.
func (s *Scheduler) StopAsync(ctx context.Context, checkpointID int, pollInterval time.Duration) error {
	if err := s.Transfer.WithLock(func(t *store.TransferFile) error {
		t.Command = store.CommandStop
		return nil
	}); err != nil {
		return err
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	for {
		var state store.State
		if err := s.Transfer.WithLock(func(t *store.TransferFile) error {
			state = t.State
			return nil
		}); err != nil {
			return err
		}
		if state == store.StateStop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if err := s.Transfer.WithLock(func(t *store.TransferFile) error {
		t.Files = make(map[string]*store.TransferEntry)
		return nil
	}); err != nil {
		return err
	}
	s.FlushFile.Clear(checkpointID, store.LocationFlushing)
	return s.FlushFile.Save()
}

// asyncRankSummary builds this rank's summary sub-entry from the sidecars
// the encoder already wrote, since the external mover moved the bytes and
// this process never touched them directly; it also writes the
// corresponding destination sidecar, mirroring flushOneFile's local half.
func (s *Scheduler) asyncRankSummary(checkpointID, myWorldRank, ranksTotal int) (*store.RankSummary, error) {
	rs := &store.RankSummary{Files: make(map[string]*store.FileEntry)}
	for _, f := range s.FileMap.Files(checkpointID, myWorldRank) {
		sc, err := store.ReadSidecar(f)
		if err != nil {
			return nil, err
		}
		base := filepath.Base(f)
		entry := &store.FileEntry{Complete: true}
		fileType := store.FileTypeFull
		if sc != nil {
			entry.Size = sc.FileSize
			entry.CRC32 = sc.CRC32
			fileType = sc.FileType
			if sc.FileType == store.FileTypeXOR {
				entry.NoFetch = true
			}
		}
		rs.Files[base] = entry

		dst := filepath.Join(s.asyncDir, base)
		destSC := &store.Sidecar{
			Filename: dst, FileType: fileType, FileSize: entry.Size,
			CheckpointID: checkpointID, Rank: myWorldRank, RanksTotal: ranksTotal,
			Complete: true, CRC32: entry.CRC32,
		}
		if err := store.WriteSidecar(dst, destSC); err != nil {
			return nil, err
		}
	}
	return rs, nil
}
