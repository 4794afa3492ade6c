package flush

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/scrgo/scr/internal/store"
)

// Sync implements spec.md §4.6's synchronous flush, collective on
// s.World. myWorldRank/ranksTotal identify this process; checkpointID is
// the checkpoint being flushed.
func (s *Scheduler) Sync(ctx context.Context, checkpointID, myWorldRank, ranksTotal int) error {
	haveAll := s.FileMap.Complete(checkpointID, myWorldRank)
	allOK, err := s.World.AllreduceAnd(ctx, haveAll)
	if err != nil {
		return errors.Wrap(err, "flush: completeness all-reduce")
	}
	if !allOK {
		return errors.New("flush: not every rank has its files for this checkpoint")
	}

	var destDir string
	var subdir string
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
		return errors.Wrap(err, "flush: broadcast destination dir")
	}
	destDir = string(destBytes)
	subdir = filepath.Base(destDir)

	mine, err := flushRankFiles(s.FileMap.Files(checkpointID, myWorldRank), destDir, checkpointID, myWorldRank, ranksTotal, s.CRCOnFlush)
	if err != nil {
		return err
	}

	summary, err := s.slidingWindowGather(ctx, myWorldRank, ranksTotal, checkpointID, mine)
	if err != nil {
		return err
	}

	publishErr := error(nil)
	if myWorldRank == 0 {
		publishErr = s.publish(summary, checkpointID, ranksTotal, destDir, subdir)
	}
	ok, err := s.World.AllreduceAnd(ctx, publishErr == nil)
	if err != nil {
		return errors.Wrap(err, "flush: completion all-reduce")
	}
	if !ok {
		if publishErr != nil {
			return publishErr
		}
		return errors.New("flush: another rank failed to publish the flush")
	}

	s.FlushFile.Set(checkpointID, store.LocationPFS)
	s.logger().WithField("checkpoint", checkpointID).Info("synchronous flush complete")
	return s.FlushFile.Save()
}

func (s *Scheduler) publish(summary *store.Summary, checkpointID, ranksTotal int, destDir, subdir string) error {
	summary.Ckpts[checkpointID].RanksTotal = ranksTotal
	summary.Ckpts[checkpointID].Complete = true
	if err := store.WriteSummary(filepath.Join(destDir, "summary.scr"), summary); err != nil {
		return err
	}
	if err := updateCurrentSymlink(s.Prefix, subdir); err != nil {
		return err
	}
	s.IndexFile.MarkComplete(checkpointID, subdir)
	return s.IndexFile.Save()
}

// slidingWindowGather implements the sliding-window write's coordination
// half: rank 0 grants a START token to at most Width ranks concurrently,
// each of which flushes its own files then replies with its summary
// sub-hash; rank 0 merges every reply into the returned Summary. Non-zero
// ranks return (nil, nil) — they have nothing to merge.
func (s *Scheduler) slidingWindowGather(ctx context.Context, myWorldRank, ranksTotal, checkpointID int, mine *store.RankSummary) (*store.Summary, error) {
	if myWorldRank != 0 {
		if _, err := s.World.Recv(ctx, 0, tagFlushStart); err != nil {
			return nil, errors.Wrap(err, "flush: wait for start token")
		}
		data, err := json.Marshal(mine)
		if err != nil {
			return nil, errors.Wrap(err, "flush: marshal rank summary")
		}
		if err := s.World.Send(ctx, 0, tagFlushReply, data); err != nil {
			return nil, errors.Wrap(err, "flush: send rank summary")
		}
		return nil, nil
	}

	summary := store.NewSummary(checkpointID, ranksTotal)
	summary.Ckpts[checkpointID].Ranks[0] = mine

	width := s.Width
	if width <= 0 {
		width = 1
	}
	type outcome struct {
		rank int
		sub  *store.RankSummary
		err  error
	}
	results := make(chan outcome, ranksTotal-1)
	sem := make(chan struct{}, width)
	for r := 1; r < ranksTotal; r++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		go func(r int) {
			defer func() { <-sem }()
			sub, err := s.collectOne(ctx, r)
			results <- outcome{r, sub, err}
		}(r)
	}
	for i := 1; i < ranksTotal; i++ {
		res := <-results
		if res.err != nil {
			return nil, res.err
		}
		summary.Ckpts[checkpointID].Ranks[res.rank] = res.sub
	}
	return summary, nil
}

func (s *Scheduler) collectOne(ctx context.Context, rank int) (*store.RankSummary, error) {
	if err := s.World.Send(ctx, rank, tagFlushStart, nil); err != nil {
		return nil, errors.Wrapf(err, "flush: send start token to rank %d", rank)
	}
	data, err := s.World.Recv(ctx, rank, tagFlushReply)
	if err != nil {
		return nil, errors.Wrapf(err, "flush: recv summary from rank %d", rank)
	}
	var sub store.RankSummary
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, errors.Wrapf(err, "flush: parse summary from rank %d", rank)
	}
	return &sub, nil
}
