// Package distribute implements spec.md §4.4's restart distributor: after a
// possibly reshuffled restart and the node-local FileMap scatter
// (internal/store.ScatterFileMaps), every world rank physically holds some
// set of other ranks' checkpoint files. Distribute moves bytes across the
// world communicator so each rank ends up owning exactly its own files
// again, in at most RanksTotal pairwise-exchange rounds.
//
// Grounded on original_source/src/scr.c's scr_swap_file_names/
// scr_swap_files (the MOVE_FILES path): the rotated round schedule, the
// self-send-is-a-rename optimization, and the "claim the earliest offer,
// delete anything nobody claimed" cleanup are all lifted from that loop,
// replayed here against comm.Communicator instead of raw MPI sendrecv.
package distribute

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/internal/store"
)

// fileCRC32 mirrors internal/redundancy's and internal/rebuild's own
// recompute helper: a plain IEEE table is enough for this package's
// revalidate-after-move path, independent of internal/store's
// hardware-accelerated table.
func fileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "distribute: open %s", path)
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, errors.Wrapf(err, "distribute: hash %s", path)
	}
	return h.Sum32(), nil
}

const (
	tagOffer     = 9101 // send_hash/recv_hash round-number exchange
	tagClaim     = 9102 // "you are my chosen sender for round R"
	tagFileCount = 9103
	tagFileName  = 9104
	tagFileSize  = 9105
	tagFileChunk = 9106
)

// Input bundles everything Distribute needs for one checkpoint id.
type Input struct {
	World         comm.Communicator
	FileMap       *store.FileMap
	CheckpointID  int
	MyWorldRank   int
	RanksTotal    int
	CheckpointDir string
	MPIBufSize    int
	CRCOnCopy     bool
}

// Distribute implements the 7-step algorithm. It is a no-op on disk (aside
// from an idempotent FileMap rewrite) when every rank already holds only
// its own files — testable property 8.
func Distribute(ctx context.Context, in *Input) error {
	world := in.World
	fm := in.FileMap
	ckpt := in.CheckpointID

	// Step 1 & 2: ranks whose files are on this node, rotated so the
	// first rank >= my_world_rank comes first.
	haveRanks := fm.Ranks(ckpt)
	haveRanks = rotate(haveRanks, in.MyWorldRank)

	haveByRound := make(map[int]int, len(haveRanks))
	for round, r := range haveRanks {
		haveByRound[round] = r
	}

	// Step 3: send_hash[rank] = round, all-to-all exchanged so rank
	// `r` learns every round at which someone offers its files back.
	sendHash := make(map[int][]byte, world.Size())
	for round, r := range haveRanks {
		sendHash[r] = []byte(fmt.Sprint(round))
	}
	recvHash, err := world.Alltoall(ctx, sendHash)
	if err != nil {
		return errors.Wrap(err, "distribute: offer all-to-all")
	}

	// Step 4: argmin by round over recv_hash.
	retrieveRank, retrieveRound := -1, -1
	for src, data := range recvHash {
		if len(data) == 0 {
			continue
		}
		var round int
		if _, err := fmt.Sscan(string(data), &round); err != nil {
			return errors.Wrap(err, "distribute: parse offered round")
		}
		if retrieveRound == -1 || round < retrieveRound {
			retrieveRank, retrieveRound = src, round
		}
	}

	// Step 5: all-reduce MAX(retrieve_round); claim the chosen sender.
	maxRounds, err := world.AllreduceMax(ctx, int64(retrieveRound))
	if err != nil {
		return errors.Wrap(err, "distribute: max-rounds all-reduce")
	}

	claimSend := make(map[int][]byte, world.Size())
	if retrieveRound >= 0 {
		claimSend[retrieveRank] = []byte(fmt.Sprint(retrieveRound))
	}
	claims, err := world.Alltoall(ctx, claimSend)
	if err != nil {
		return errors.Wrap(err, "distribute: claim all-to-all")
	}
	sendFlagByRound := make(map[int]bool, len(haveByRound))
	for src, data := range claims {
		if len(data) == 0 {
			continue
		}
		var round int
		if _, err := fmt.Sscan(string(data), &round); err != nil {
			return errors.Wrap(err, "distribute: parse claimed round")
		}
		_ = src
		sendFlagByRound[round] = true
	}

	// Step 6: run the rounds.
	for round := 0; round <= int(maxRounds); round++ {
		if err := runRound(ctx, in, round, haveByRound, sendFlagByRound, retrieveRank, retrieveRound); err != nil {
			return err
		}
	}

	// Step 7: delete anything left over past max_rounds that nobody claimed.
	for round, r := range haveByRound {
		if round <= int(maxRounds) {
			continue
		}
		if r == in.MyWorldRank {
			continue
		}
		if err := deleteRankFiles(fm, ckpt, r); err != nil {
			return err
		}
	}
	return fm.Save()
}

func runRound(ctx context.Context, in *Input, round int, haveByRound map[int]int, sendFlagByRound map[int]bool, retrieveRank, retrieveRound int) error {
	fm := in.FileMap
	ckpt := in.CheckpointID

	sendRank, sending := haveByRound[round], sendFlagByRound[round]
	selfRetrieve := retrieveRank == in.MyWorldRank
	receiving := round == retrieveRound && retrieveRound >= 0 && !selfRetrieve

	if sending && sendRank == in.MyWorldRank {
		// Covers the selfRetrieve case too: my own files, already here,
		// just get renamed into the new checkpoint directory.
		if err := renameRankFiles(fm, ckpt, sendRank, in.CheckpointDir); err != nil {
			return err
		}
		sending = false
	}

	if !sending && !receiving {
		// Nobody asked for files we're holding at this round: drop them.
		if r, ok := haveByRound[round]; ok && !sendFlagByRound[round] && r != in.MyWorldRank {
			return deleteRankFiles(fm, ckpt, r)
		}
		return nil
	}

	var sendErr, recvErr error
	var wg sync.WaitGroup
	if sending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendErr = sendRankFiles(ctx, in.World, sendRank, fm, ckpt, sendRank, in.MPIBufSize)
		}()
	}
	if receiving {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recvErr = recvRankFiles(ctx, in.World, retrieveRank, fm, ckpt, in.MyWorldRank, in.RanksTotal, in.CheckpointDir, in.MPIBufSize, in.CRCOnCopy)
		}()
	}
	wg.Wait()
	if sendErr != nil {
		return sendErr
	}
	return recvErr
}

// rotate returns ranks reordered so the first element >= pivot comes
// first, wrapping around — spec.md §4.4 step 2.
func rotate(ranks []int, pivot int) []int {
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	idx := 0
	for i, r := range sorted {
		if r >= pivot {
			idx = i
			break
		}
		idx = len(sorted)
	}
	if idx == len(sorted) {
		idx = 0
	}
	return append(sorted[idx:], sorted[:idx]...)
}

func renameRankFiles(fm *store.FileMap, ckpt, rank int, destDir string) error {
	for _, old := range fm.Files(ckpt, rank) {
		newPath := filepath.Join(destDir, filepath.Base(old))
		if newPath != old {
			if err := os.MkdirAll(destDir, 0o755); err != nil {
				return errors.Wrap(err, "distribute: mkdir checkpoint dir")
			}
			if err := os.Rename(old, newPath); err != nil {
				return errors.Wrapf(err, "distribute: rename %s", old)
			}
			if err := moveSidecar(old, newPath); err != nil {
				return err
			}
			fm.RemoveFile(ckpt, rank, old)
			fm.AddFile(ckpt, rank, newPath)
		}
	}
	return fm.Save()
}

func moveSidecar(oldPath, newPath string) error {
	sc, err := store.ReadSidecar(oldPath)
	if err != nil {
		return err
	}
	if sc == nil {
		return nil
	}
	sc.Filename = newPath
	if err := store.WriteSidecar(newPath, sc); err != nil {
		return err
	}
	return store.RemoveSidecar(oldPath)
}

func deleteRankFiles(fm *store.FileMap, ckpt, rank int) error {
	for _, f := range fm.Files(ckpt, rank) {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "distribute: remove unclaimed %s", f)
		}
		if err := store.RemoveSidecar(f); err != nil {
			return err
		}
		fm.RemoveFile(ckpt, rank, f)
	}
	return nil
}

// sendRankFiles streams rank's files (owned by this process but destined
// for world rank `rank`, since every rank wants its own files back) to
// that rank: count, then per file a name/size header followed by its
// chunked bytes. The local copy is removed as each file finishes sending,
// implementing the "exchange bytes via MOVE" rule.
func sendRankFiles(ctx context.Context, world comm.Communicator, dest int, fm *store.FileMap, ckpt, rank, bufSize int) error {
	files := fm.Files(ckpt, rank)
	sort.Strings(files)
	if err := world.Send(ctx, dest, tagFileCount, []byte(fmt.Sprint(len(files)))); err != nil {
		return errors.Wrap(err, "distribute: send file count")
	}
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	buf := make([]byte, bufSize)
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "distribute: stat %s", path)
		}
		if err := world.Send(ctx, dest, tagFileName, []byte(filepath.Base(path))); err != nil {
			return errors.Wrap(err, "distribute: send filename")
		}
		if err := world.Send(ctx, dest, tagFileSize, []byte(fmt.Sprint(info.Size()))); err != nil {
			return errors.Wrap(err, "distribute: send file size")
		}
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "distribute: open %s", path)
		}
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				if err := world.Send(ctx, dest, tagFileChunk, append([]byte(nil), buf[:n]...)); err != nil {
					f.Close()
					return errors.Wrap(err, "distribute: send chunk")
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				f.Close()
				return errors.Wrapf(err, "distribute: read %s", path)
			}
		}
		f.Close()
		if err := world.Send(ctx, dest, tagFileChunk, nil); err != nil {
			return errors.Wrap(err, "distribute: send end-of-file marker")
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "distribute: remove sent %s", path)
		}
		if err := store.RemoveSidecar(path); err != nil {
			return err
		}
		fm.RemoveFile(ckpt, rank, path)
	}
	return fm.Save()
}

// recvRankFiles is sendRankFiles's counterpart: it receives myRank's own
// files from src and writes them into destDir, updating the FileMap and
// sidecars as each file lands.
func recvRankFiles(ctx context.Context, world comm.Communicator, src int, fm *store.FileMap, ckpt, myRank, ranksTotal int, destDir string, bufSize int, crcOnCopy bool) error {
	countBuf, err := world.Recv(ctx, src, tagFileCount)
	if err != nil {
		return errors.Wrap(err, "distribute: recv file count")
	}
	var count int
	if _, err := fmt.Sscan(string(countBuf), &count); err != nil {
		return errors.Wrap(err, "distribute: parse file count")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrap(err, "distribute: mkdir checkpoint dir")
	}
	for i := 0; i < count; i++ {
		nameBuf, err := world.Recv(ctx, src, tagFileName)
		if err != nil {
			return errors.Wrap(err, "distribute: recv filename")
		}
		sizeBuf, err := world.Recv(ctx, src, tagFileSize)
		if err != nil {
			return errors.Wrap(err, "distribute: recv file size")
		}
		var size int64
		if _, err := fmt.Sscan(string(sizeBuf), &size); err != nil {
			return errors.Wrap(err, "distribute: parse file size")
		}
		dstPath := filepath.Join(destDir, string(nameBuf))
		dstFile, err := os.Create(dstPath)
		if err != nil {
			return errors.Wrapf(err, "distribute: create %s", dstPath)
		}
		var written int64
		for {
			chunk, err := world.Recv(ctx, src, tagFileChunk)
			if err != nil {
				dstFile.Close()
				return errors.Wrap(err, "distribute: recv chunk")
			}
			if len(chunk) == 0 {
				break
			}
			if _, err := dstFile.Write(chunk); err != nil {
				dstFile.Close()
				return errors.Wrapf(err, "distribute: write %s", dstPath)
			}
			written += int64(len(chunk))
		}
		if err := dstFile.Sync(); err != nil {
			dstFile.Close()
			return err
		}
		dstFile.Close()

		sc := &store.Sidecar{
			Filename: dstPath, FileType: store.FileTypeFull, FileSize: written,
			CheckpointID: ckpt, Rank: myRank, RanksTotal: ranksTotal, Complete: written == size,
		}
		if crcOnCopy {
			got, err := fileCRC32(dstPath)
			if err != nil {
				return err
			}
			sc.CRC32 = &got
		}
		if err := store.WriteSidecar(dstPath, sc); err != nil {
			return err
		}
		fm.AddFile(ckpt, myRank, dstPath)
		if err := fm.Save(); err != nil {
			return err
		}
	}
	return nil
}
