// Package flush implements spec.md §4.6's flush scheduler: synchronous
// flush with a sliding-window write, and the asynchronous start/test/
// complete/stop protocol that cooperates with an external mover through
// the transfer file.
//
// Grounded on original_source/src/scr_flush_async.c for the transfer-file
// field names and the FLAG:DONE / COMMAND / STATE RUN-STOP handshake, and
// on spec.md §4.6's literal sliding-window description for the
// synchronous path.
package flush

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/internal/store"
	"github.com/scrgo/scr/xlog"
)

const (
	tagFlushStart = 9201
	tagFlushReply = 9202
)

// defaultPollInterval matches spec.md §4.6's usleep(10s) polling cadence
// for flush_async_state_wait / flush_async_wait.
const defaultPollInterval = 10 * time.Second

// currentSymlinkName is the "scr.current" publication point spec.md §6
// defines in the PFS prefix.
const currentSymlinkName = "scr.current"

// Scheduler owns the node/world-wide state a flush needs: the
// communicator to coordinate over, the FileMap being flushed, and the
// control files the flush updates.
type Scheduler struct {
	World      comm.Communicator // world communicator; sync write + broadcasts run on it
	FileMap    *store.FileMap
	FlushFile  *store.FlushFile
	IndexFile  *store.IndexFile
	Transfer   *store.TransferFile // only needed for the async path
	Prefix     string
	JobID      string
	Width      int // flush_width
	CRCOnFlush bool
	BW         float64 // async-flush bandwidth cap, FLUSH_ASYNC_BW
	Percent    float64 // async-flush bandwidth percentage, FLUSH_ASYNC_PERCENT

	asyncDir string // destination dir of the checkpoint currently async-flushing

	log *xlog.Logger
}

func (s *Scheduler) logger() *xlog.Logger {
	if s.log == nil {
		s.log = xlog.New().WithField("component", "flush")
	}
	return s.log
}

func flushTimestamp() string { return time.Now().UTC().Format("20060102150405") }

// flushOneFile copies src into destDir (streamed), optionally verifying
// and recomputing its CRC32, and writes the destination sidecar. It
// returns the summary entry spec.md §6's summary-file format records per
// file.
func flushOneFile(src, destDir string, ckptID, rank, ranksTotal int, crcOnFlush bool) (base string, entry *store.FileEntry, err error) {
	sc, err := store.ReadSidecar(src)
	if err != nil {
		return "", nil, err
	}
	base = filepath.Base(src)
	dst := filepath.Join(destDir, base)

	in, err := os.Open(src)
	if err != nil {
		return "", nil, errors.Wrapf(err, "flush: open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", nil, errors.Wrapf(err, "flush: create %s", dst)
	}
	h := crc32.NewIEEE()
	size, err := io.Copy(out, io.TeeReader(in, h))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", nil, errors.Wrapf(err, "flush: copy %s", src)
	}

	entry = &store.FileEntry{Size: size, Complete: true}
	if crcOnFlush {
		got := h.Sum32()
		entry.CRC32 = &got
		if sc != nil && sc.CRC32 != nil && *sc.CRC32 != got {
			return "", nil, errors.Errorf("flush: CRC mismatch flushing %s", src)
		}
	}
	if sc != nil && sc.FileType == store.FileTypeXOR {
		entry.NoFetch = true
	}
	destSC := &store.Sidecar{
		Filename: dst, FileType: store.FileTypeFull, FileSize: size,
		CheckpointID: ckptID, Rank: rank, RanksTotal: ranksTotal, Complete: true,
	}
	if sc != nil {
		destSC.FileType = sc.FileType
	}
	if entry.CRC32 != nil {
		destSC.CRC32 = entry.CRC32
	}
	if err := store.WriteSidecar(dst, destSC); err != nil {
		return "", nil, err
	}
	return base, entry, nil
}

// flushRankFiles flushes every file this rank owns for checkpointID into
// destDir and returns the per-rank summary sub-entry.
func flushRankFiles(files []string, destDir string, ckptID, rank, ranksTotal int, crcOnFlush bool) (*store.RankSummary, error) {
	rs := &store.RankSummary{Files: make(map[string]*store.FileEntry, len(files))}
	for _, f := range files {
		base, entry, err := flushOneFile(f, destDir, ckptID, rank, ranksTotal, crcOnFlush)
		if err != nil {
			return nil, err
		}
		rs.Files[base] = entry
	}
	return rs, nil
}

// updateCurrentSymlink repoints prefix/scr.current at target (a
// subdirectory name under prefix), replacing any existing link.
func updateCurrentSymlink(prefix, target string) error {
	link := filepath.Join(prefix, currentSymlinkName)
	if _, err := os.Lstat(link); err == nil {
		if err := os.Remove(link); err != nil {
			return errors.Wrapf(err, "flush: remove stale %s", link)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return errors.Wrapf(err, "flush: symlink %s", link)
	}
	return nil
}
