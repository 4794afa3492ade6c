package store

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// FileType distinguishes a user checkpoint file from a redundancy artifact,
// per spec.md §3's sidecar "filetype ∈ {FULL, XOR}".
type FileType string

const (
	FileTypeFull FileType = "FULL"
	FileTypeXOR  FileType = "XOR"
)

// Sidecar is the per-file metadata record spec.md §3 requires alongside
// every cached file: "{ filename, filetype, filesize, checkpoint_id, rank,
// ranks_total, complete, crc32? }". Grounded on the teacher's fileInfo
// (erasure-file.go), which carries the same shape (BaseName/FilePath/
// FileSize/Hash) under JSON tags for a flat on-disk record.
type Sidecar struct {
	Filename     string   `json:"filename"`
	FileType     FileType `json:"filetype"`
	FileSize     int64    `json:"filesize"`
	CheckpointID int      `json:"checkpoint_id"`
	Rank         int      `json:"rank"`
	RanksTotal   int      `json:"ranks_total"`
	Complete     bool     `json:"complete"`
	CRC32        *uint32  `json:"crc32,omitempty"`
}

func sidecarPath(file string) string { return file + ".scrinfo" }

// WriteSidecar persists sc next to its target file, atomically.
func WriteSidecar(file string, sc *Sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return errors.Wrap(err, "store: marshal sidecar")
	}
	return writeFileAtomic(sidecarPath(file), data, 0o644)
}

// ReadSidecar loads the sidecar for file, or (nil, nil) if it doesn't exist
// — callers treat a missing sidecar as "not usable", not an error.
func ReadSidecar(file string) (*Sidecar, error) {
	data, err := os.ReadFile(sidecarPath(file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "store: read sidecar for %s", file)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrapf(err, "store: parse sidecar for %s", file)
	}
	return &sc, nil
}

// RemoveSidecar deletes the sidecar for file, ignoring a missing one.
func RemoveSidecar(file string) error {
	err := os.Remove(sidecarPath(file))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "store: remove sidecar for %s", file)
	}
	return nil
}

// IsUsable implements spec.md §3's "present and usable" predicate: the
// sidecar exists, complete is true, every scalar field matches the expected
// runtime values, and the file's measured size matches filesize.
func IsUsable(file string, checkpointID, rank, ranksTotal int) (bool, *Sidecar, error) {
	sc, err := ReadSidecar(file)
	if err != nil {
		return false, nil, err
	}
	if sc == nil || !sc.Complete {
		return false, sc, nil
	}
	if sc.Filename != file || sc.CheckpointID != checkpointID || sc.Rank != rank || sc.RanksTotal != ranksTotal {
		return false, sc, nil
	}
	info, err := os.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return false, sc, nil
		}
		return false, sc, errors.Wrapf(err, "store: stat %s", file)
	}
	if info.Size() != sc.FileSize {
		return false, sc, nil
	}
	return true, sc, nil
}

// VerifyCRC32 recomputes file's CRC32 and compares it against the sidecar's
// recorded value, if any. A sidecar with no recorded CRC is treated as
// "nothing to verify" (crc32 in the sidecar is optional, per spec.md §3).
func VerifyCRC32(file string, sc *Sidecar) (bool, error) {
	if sc == nil || sc.CRC32 == nil {
		return true, nil
	}
	got, err := fileCRC32(file)
	if err != nil {
		return false, err
	}
	return got == *sc.CRC32, nil
}
