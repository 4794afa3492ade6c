// Package rebuild implements spec.md §4.3's detection and reconstruction
// phase: find the one missing member of a redundancy group (or fail the
// group if more than one is missing), then pipeline bytes from the
// survivors to reconstruct that member's files — XOR reduce, or a PARTNER
// copy-back.
//
// Grounded on original_source/src/scr.c's rebuild-side counterpart to
// scr_reduce_scatter (the chunk_id loop running 0..ranks-1, opposite
// direction from the encode-side countdown) for the pipeline's read/write
// destination logic.
package rebuild

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/scrgo/scr/internal/store"
	"github.com/scrgo/scr/internal/topo"
)

const tagRebuild = 201

// RebuildInput bundles what a Rebuilder needs to reconstruct one missing
// group member's files.
type RebuildInput struct {
	Descriptor    *topo.Descriptor
	FileMap       *store.FileMap
	CheckpointID  int
	MyWorldRank   int
	RanksTotal    int
	CheckpointDir string
	MPIBufSize    int
	CRCOnCopy     bool
	// HaveAllFiles reports whether this process's own files (and, for XOR,
	// its artifact) are all present and usable — the need_rebuild input to
	// Detect.
	HaveAllFiles bool
}

// Detect implements spec.md §4.3's detection: all-reduce SUM(need_rebuild)
// within the group to count how many members are missing files, then, if
// exactly one, all-reduce MAX(rank if missing else -1) to find who.
func Detect(ctx context.Context, d *topo.Descriptor, haveAllFiles bool) (rootGroupRank int, unrecoverable bool, err error) {
	group := d.GroupComm
	if group == nil {
		if haveAllFiles {
			return -1, false, nil
		}
		return -1, true, nil
	}
	need := int64(0)
	if !haveAllFiles {
		need = 1
	}
	sum, err := group.AllreduceSum(ctx, need)
	if err != nil {
		return -1, false, errors.Wrap(err, "rebuild: detect sum all-reduce")
	}
	if sum == 0 {
		return -1, false, nil
	}
	if sum > 1 {
		return -1, true, nil
	}
	val := int64(-1)
	if !haveAllFiles {
		val = int64(d.GroupRank)
	}
	maxRank, err := group.AllreduceMax(ctx, val)
	if err != nil {
		return -1, false, errors.Wrap(err, "rebuild: detect max all-reduce")
	}
	return int(maxRank), false, nil
}

// Rebuilder reconstructs the root's files within a group, the tagged
// variant spec.md §9 asks for per copy_type.
type Rebuilder interface {
	Rebuild(ctx context.Context, in *RebuildInput, rootGroupRank int) error
}

// victimFileList recovers the missing rank's expected file list by
// all-gathering whatever each surviving member's FileMap knows about it and
// taking the first non-empty answer. The original embeds this in the XOR
// artifact's own header hash tree (CURRENT/PARTNER sub-hashes); this repo's
// FileMap already carries the same information per rank, and no pack
// library offers a packed hash-tree header format worth reimplementing for
// it, so the metadata travels over comm.Allgather instead.
func victimFileList(ctx context.Context, d *topo.Descriptor, fm *store.FileMap, checkpointID, victimWorldRank int) ([]string, error) {
	mine := fm.Files(checkpointID, victimWorldRank)
	data, err := json.Marshal(mine)
	if err != nil {
		return nil, errors.Wrap(err, "rebuild: marshal victim file list")
	}
	all, err := d.GroupComm.Allgather(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "rebuild: victim file list allgather")
	}
	for _, raw := range all {
		var files []string
		if err := json.Unmarshal(raw, &files); err != nil {
			continue
		}
		if len(files) > 0 {
			return files, nil
		}
	}
	return nil, errors.Errorf("rebuild: no group member knows checkpoint %d rank %d's file list", checkpointID, victimWorldRank)
}

func xorChunkFileName(dir string, groupRank, groupSize, groupID int) string {
	return filepath.Join(dir, fmt.Sprintf("%d_of_%d_in_%d.xor", groupRank+1, groupSize, groupID))
}

// XORRebuilder implements spec.md §4.3's pipelined XOR rebuild: every
// member's group rank doubles as "the chunk id that maps to my own XOR
// artifact rather than a logical file", so the main loop below is driven
// entirely by group rank comparisons, no separate metadata needed for that
// part.
type XORRebuilder struct{}

func (XORRebuilder) Rebuild(ctx context.Context, in *RebuildInput, rootGroupRank int) error {
	d := in.Descriptor
	group := d.GroupComm
	if group == nil {
		return errors.New("rebuild: XOR rebuild requires a group communicator")
	}
	groupSize := d.GroupSize
	isRoot := d.GroupRank == rootGroupRank

	chunkFile := xorChunkFileName(in.CheckpointDir, d.GroupRank, groupSize, d.GroupID)

	var chunkSize int64
	var localFiles []string
	var sizes []int64

	if !isRoot {
		for _, f := range in.FileMap.Files(in.CheckpointID, in.MyWorldRank) {
			if f != chunkFile {
				localFiles = append(localFiles, f)
			}
		}
		for _, f := range localFiles {
			info, err := os.Stat(f)
			if err != nil {
				return errors.Wrapf(err, "rebuild: stat %s", f)
			}
			sizes = append(sizes, info.Size())
		}
		if tagged := in.FileMap.Tag(in.CheckpointID, in.MyWorldRank, "XOR_CHUNK_SIZE"); tagged != "" {
			fmt.Sscan(tagged, &chunkSize)
		}
	} else {
		victimFiles, err := victimFileList(ctx, d, in.FileMap, in.CheckpointID, in.MyWorldRank)
		if err != nil {
			return err
		}
		for _, f := range victimFiles {
			if f != chunkFile {
				localFiles = append(localFiles, f)
			}
		}
	}

	// Every survivor knows the group's chunk size (set uniformly at encode
	// time); an all-gather picks the first non-empty report for the root.
	sizeData, err := group.Allgather(ctx, []byte(fmt.Sprint(chunkSize)))
	if err != nil {
		return errors.Wrap(err, "rebuild: chunk size allgather")
	}
	if isRoot {
		for _, raw := range sizeData {
			var v int64
			fmt.Sscan(string(raw), &v)
			if v > 0 {
				chunkSize = v
				break
			}
		}
		if chunkSize == 0 {
			return errors.New("rebuild: no group member reported an XOR chunk size")
		}
	}

	var (
		inChunk   *os.File
		srcReader *multiFileReader
		outChunk  *os.File
		outFiles  []*os.File
	)
	if isRoot {
		for _, f := range localFiles {
			in.FileMap.AddFile(in.CheckpointID, in.MyWorldRank, f)
		}
		in.FileMap.AddFile(in.CheckpointID, in.MyWorldRank, chunkFile)
		if err := in.FileMap.Save(); err != nil {
			return err
		}
		outFiles = make([]*os.File, len(localFiles))
		sizes = make([]int64, len(localFiles))
		for i, f := range localFiles {
			if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
				return errors.Wrapf(err, "rebuild: mkdir for %s", f)
			}
			outFiles[i], err = os.Create(f)
			if err != nil {
				return errors.Wrapf(err, "rebuild: create %s", f)
			}
			defer outFiles[i].Close()
		}
		outChunk, err = os.Create(chunkFile)
		if err != nil {
			return errors.Wrapf(err, "rebuild: create %s", chunkFile)
		}
		defer outChunk.Close()
	} else {
		srcReader, err = newMultiFileReader(localFiles)
		if err != nil {
			return err
		}
		inChunk, err = os.Open(chunkFile)
		if err != nil {
			return errors.Wrapf(err, "rebuild: open %s", chunkFile)
		}
		defer inChunk.Close()
	}

	bufSize := in.MPIBufSize
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	sendBuf := make([]byte, bufSize)

	var offset int64
	for chunkID := 0; chunkID < groupSize; chunkID++ {
		var nread int64
		for nread < chunkSize {
			count := chunkSize - nread
			if count > int64(bufSize) {
				count = int64(bufSize)
			}

			if !isRoot {
				if chunkID != d.GroupRank {
					if err := srcReader.readPadded(offset, sendBuf[:count]); err != nil {
						return err
					}
				} else {
					if _, err := io.ReadFull(inChunk, sendBuf[:count]); err != nil {
						return errors.Wrapf(err, "rebuild: read %s", chunkFile)
					}
				}
				if d.LHS != rootGroupRank {
					recvBuf, err := group.Recv(ctx, d.LHS, tagRebuild)
					if err != nil {
						return errors.Wrap(err, "rebuild: recv from lhs")
					}
					for i := int64(0); i < count && i < int64(len(recvBuf)); i++ {
						sendBuf[i] ^= recvBuf[i]
					}
				}
				if err := group.Send(ctx, d.RHS, tagRebuild, append([]byte{}, sendBuf[:count]...)); err != nil {
					return errors.Wrap(err, "rebuild: send to rhs")
				}
				if chunkID != d.GroupRank {
					offset += count
				}
			} else {
				recvBuf, err := group.Recv(ctx, d.LHS, tagRebuild)
				if err != nil {
					return errors.Wrap(err, "rebuild: root recv from lhs")
				}
				if chunkID != rootGroupRank {
					if err := writePaddedTo(outFiles, sizes, offset, recvBuf[:count]); err != nil {
						return err
					}
					offset += count
				} else {
					if _, err := outChunk.Write(recvBuf[:count]); err != nil {
						return errors.Wrapf(err, "rebuild: write %s", chunkFile)
					}
				}
			}
			nread += count
		}
	}

	if !isRoot {
		return nil
	}

	for i, f := range localFiles {
		if err := outFiles[i].Sync(); err != nil {
			return errors.Wrapf(err, "rebuild: fsync %s", f)
		}
		info, err := os.Stat(f)
		if err != nil {
			return errors.Wrapf(err, "rebuild: stat %s", f)
		}
		sc := &store.Sidecar{
			Filename: f, FileType: store.FileTypeFull, FileSize: info.Size(),
			CheckpointID: in.CheckpointID, Rank: in.MyWorldRank, RanksTotal: in.RanksTotal,
			Complete: true,
		}
		if in.CRCOnCopy {
			crc, err := fileCRC32(f)
			if err != nil {
				return err
			}
			sc.CRC32 = &crc
		}
		if err := store.WriteSidecar(f, sc); err != nil {
			return err
		}
	}
	if err := outChunk.Sync(); err != nil {
		return errors.Wrapf(err, "rebuild: fsync %s", chunkFile)
	}
	info, err := os.Stat(chunkFile)
	if err != nil {
		return err
	}
	sc := &store.Sidecar{
		Filename: chunkFile, FileType: store.FileTypeXOR, FileSize: info.Size(),
		CheckpointID: in.CheckpointID, Rank: in.MyWorldRank, RanksTotal: in.RanksTotal,
		Complete: true,
	}
	if in.CRCOnCopy {
		crc, err := fileCRC32(chunkFile)
		if err != nil {
			return err
		}
		sc.CRC32 = &crc
	}
	return store.WriteSidecar(chunkFile, sc)
}

// multiFileReader presents a list of files as one logical byte stream,
// zero-padding past each file's end — the read-side counterpart to
// writePaddedTo below, needed independently here since internal/redundancy's
// own copy is unexported: the two packages don't share a type for this, each
// keeping a small local copy rather than factoring out a shared abstraction
// for a helper this size.
type multiFileReader struct {
	files []string
	sizes []int64
}

func newMultiFileReader(files []string) (*multiFileReader, error) {
	sizes := make([]int64, len(files))
	for i, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, errors.Wrapf(err, "rebuild: stat %s", f)
		}
		sizes[i] = info.Size()
	}
	return &multiFileReader{files: files, sizes: sizes}, nil
}

func (m *multiFileReader) readPadded(offset int64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	var base int64
	for i, size := range m.sizes {
		if offset < base+size {
			start := offset - base
			f, err := os.Open(m.files[i])
			if err != nil {
				return errors.Wrapf(err, "rebuild: open %s", m.files[i])
			}
			n, err := f.ReadAt(buf, start)
			f.Close()
			if err != nil && err != io.EOF {
				return errors.Wrapf(err, "rebuild: read %s", m.files[i])
			}
			if n >= len(buf) {
				return nil
			}
			return m.readPadded(offset+int64(n), buf[n:])
		}
		base += size
	}
	return nil
}

func fileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "rebuild: open %s", path)
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, errors.Wrapf(err, "rebuild: hash %s", path)
	}
	return h.Sum32(), nil
}

// writePaddedTo writes data at logical offset into the file being
// reconstructed. The original determines per-file boundaries from the XOR
// artifact's embedded header hash tree (each file's original size, carried
// in its CURRENT sub-hash); this repo doesn't carry that packed format (see
// victimFileList's doc comment), so this simplified rebuild only supports
// reconstructing a single file per victim rank — the common case spec.md's
// own scenarios exercise ("one 1 MiB file per rank"). A victim with more
// than one file fails loudly rather than silently reconstructing a
// corrupted boundary.
func writePaddedTo(files []*os.File, sizes []int64, offset int64, data []byte) error {
	if len(files) != 1 {
		return errors.Errorf("rebuild: XOR rebuild of a %d-file rank is not supported, only single-file ranks", len(files))
	}
	n, err := files[0].WriteAt(data, offset)
	if err != nil {
		return errors.Wrapf(err, "rebuild: write %s", files[0].Name())
	}
	if sizes[0] < offset+int64(n) {
		sizes[0] = offset + int64(n)
	}
	return nil
}

// PartnerRebuilder implements spec.md §4.3's PARTNER rebuild: the same
// pair-exchange topology as PartnerEncoder, but in reverse — the group
// member holding the root's backup copy (its partner at +hop_distance, the
// same neighbor PartnerEncoder.Encode sent to) streams those files straight
// back instead of re-deriving anything from parity.
type PartnerRebuilder struct{}

func (PartnerRebuilder) Rebuild(ctx context.Context, in *RebuildInput, rootGroupRank int) error {
	d := in.Descriptor
	group := d.GroupComm
	if group == nil {
		return errors.New("rebuild: PARTNER rebuild requires a group communicator")
	}
	groupSize := d.GroupSize
	holderGroupRank := mod(rootGroupRank+d.HopDistance, groupSize)

	switch d.GroupRank {
	case holderGroupRank:
		// d.LHSWorldRank is the world rank PartnerEncoder.Encode addressed
		// its backup copy under, since this holder's own lhs *is* the root
		// (the pairing is symmetric at the same hop_distance).
		victimWorldRank := d.LHSWorldRank
		files := in.FileMap.Files(in.CheckpointID, victimWorldRank)
		sort.Strings(files)
		if err := group.Send(ctx, rootGroupRank, tagRebuild, []byte(fmt.Sprint(len(files)))); err != nil {
			return errors.Wrap(err, "rebuild: PARTNER send file count")
		}
		for _, f := range files {
			name := strings.TrimPrefix(filepath.Base(f), "partner.")
			if err := group.Send(ctx, rootGroupRank, tagRebuild, []byte(name)); err != nil {
				return errors.Wrap(err, "rebuild: PARTNER send filename")
			}
			data, err := os.ReadFile(f)
			if err != nil {
				return errors.Wrapf(err, "rebuild: read %s", f)
			}
			if err := group.Send(ctx, rootGroupRank, tagRebuild+1, data); err != nil {
				return errors.Wrap(err, "rebuild: PARTNER send file content")
			}
		}
		return nil

	case rootGroupRank:
		countBuf, err := group.Recv(ctx, holderGroupRank, tagRebuild)
		if err != nil {
			return errors.Wrap(err, "rebuild: PARTNER recv file count")
		}
		var count int
		if _, err := fmt.Sscan(string(countBuf), &count); err != nil {
			return errors.Wrap(err, "rebuild: PARTNER parse file count")
		}
		for i := 0; i < count; i++ {
			nameBuf, err := group.Recv(ctx, holderGroupRank, tagRebuild)
			if err != nil {
				return errors.Wrap(err, "rebuild: PARTNER recv filename")
			}
			data, err := group.Recv(ctx, holderGroupRank, tagRebuild+1)
			if err != nil {
				return errors.Wrap(err, "rebuild: PARTNER recv file content")
			}
			path := filepath.Join(in.CheckpointDir, string(nameBuf))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errors.Wrapf(err, "rebuild: mkdir for %s", path)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return errors.Wrapf(err, "rebuild: write %s", path)
			}
			in.FileMap.AddFile(in.CheckpointID, in.MyWorldRank, path)
			sc := &store.Sidecar{
				Filename: path, FileType: store.FileTypeFull, FileSize: int64(len(data)),
				CheckpointID: in.CheckpointID, Rank: in.MyWorldRank, RanksTotal: in.RanksTotal,
				Complete: true,
			}
			if in.CRCOnCopy {
				crc := crc32.ChecksumIEEE(data)
				sc.CRC32 = &crc
			}
			if err := store.WriteSidecar(path, sc); err != nil {
				return err
			}
		}
		return in.FileMap.Save()

	default:
		return nil
	}
}

func mod(a, n int) int {
	if n <= 0 {
		return 0
	}
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
