package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SummaryFileVersionCurrent is the version NewSummary stamps on every
// summary this package writes. ReadSummary also accepts the legacy text
// versions and returns them in the same in-memory Summary shape.
const SummaryFileVersionCurrent = 5

// FileEntry is one file's record within a rank's summary sub-hash.
type FileEntry struct {
	Size     int64   `json:"size"`
	CRC32    *uint32 `json:"crc32,omitempty"`
	Complete bool    `json:"complete"`
	// NoFetch marks a redundancy artifact (e.g. an XOR file) that the
	// fetch loader should skip, per spec.md §4.7.
	NoFetch bool `json:"nofetch,omitempty"`
}

// RankSummary is one rank's files within a checkpoint's summary hash.
type RankSummary struct {
	Files map[string]*FileEntry `json:"files"`
}

// CheckpointSummary is one checkpoint directory's summary-file contents,
// spec.md §3's "{ ranks_total, complete, rank_id → {...} }".
type CheckpointSummary struct {
	RanksTotal int                 `json:"ranks_total"`
	Complete   bool                `json:"complete"`
	Ranks      map[int]*RankSummary `json:"ranks"`
}

// Summary is the full summary file: version plus one CheckpointSummary,
// keyed by the checkpoint id the directory holds (a summary file lives
// inside one checkpoint directory, so in practice this map has one entry,
// but the type matches spec.md §3's literal shape).
type Summary struct {
	Version int                       `json:"version"`
	Ckpts   map[int]*CheckpointSummary `json:"ckpts"`
}

func NewSummary(ckptID, ranksTotal int) *Summary {
	return &Summary{
		Version: SummaryFileVersionCurrent,
		Ckpts: map[int]*CheckpointSummary{
			ckptID: {RanksTotal: ranksTotal, Ranks: make(map[int]*RankSummary)},
		},
	}
}

func (s *Summary) rankSummary(ckptID, rank int) *RankSummary {
	cs := s.Ckpts[ckptID]
	rs, ok := cs.Ranks[rank]
	if !ok {
		rs = &RankSummary{Files: make(map[string]*FileEntry)}
		cs.Ranks[rank] = rs
	}
	return rs
}

// AddFile merges basename's entry into ckptID/rank's sub-hash.
func (s *Summary) AddFile(ckptID, rank int, basename string, entry *FileEntry) {
	s.rankSummary(ckptID, rank).Files[basename] = entry
}

// WriteSummary writes s in the v5 binary-ish (here: JSON) format to path,
// atomically. "Binary" in spec.md §4.7 distinguishes v5 from the legacy
// plain-text format below, not a literal binary encoding — the original's
// v5 is a packed hash-file format, which this repo represents with JSON for
// the same reason the rest of the package uses JSON: no pack example wires
// a binary serialization library for anything this shape.
func WriteSummary(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "store: marshal summary")
	}
	return writeFileAtomic(path, data, 0o644)
}

// ReadSummary implements the version dispatch spec.md §4.7 calls for:
// try the v5 file first; if absent, fall back to the legacy per-version
// text format and upconvert it into the same in-memory Summary shape.
func ReadSummary(dir string) (*Summary, error) {
	v5 := dir + "/summary.scr"
	if data, err := os.ReadFile(v5); err == nil {
		var s Summary
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrapf(err, "store: parse v5 summary %s", v5)
		}
		return &s, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "store: read v5 summary %s", v5)
	}

	for _, legacy := range []string{dir + "/.scr/summary.txt", dir + "/summary.txt"} {
		s, err := readLegacySummary(legacy)
		if err == nil {
			return s, nil
		}
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
	}
	return nil, errors.Errorf("store: no summary file found under %s", dir)
}

// readLegacySummary parses the v1-v4 plain-text format: a "Version: N"
// line, then one "Rank_Total: N" line, then repeated blocks of
// "Rank: R" / "File: name size crc32|- complete" lines. Real SCR's legacy
// versions differ in minor ways (v1 has no CRC column, v3 adds NOFETCH);
// this reader accepts the superset and ignores columns a given version
// didn't have, since every later version is a superset of the last one's
// fields, per original_source/src/scr.c's own upconvert-in-place strategy.
func readLegacySummary(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var version, ranksTotal int
	var ckptID = 0
	ckpts := map[int]*CheckpointSummary{ckptID: {Ranks: make(map[int]*RankSummary)}}
	var curRank int
	var curRS *RankSummary

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Version:"):
			version, err = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Version:")))
			if err != nil {
				return nil, errors.Wrapf(err, "store: parse Version in %s", path)
			}
		case strings.HasPrefix(line, "Rank_Total:"):
			ranksTotal, err = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Rank_Total:")))
			if err != nil {
				return nil, errors.Wrapf(err, "store: parse Rank_Total in %s", path)
			}
			ckpts[ckptID].RanksTotal = ranksTotal
		case strings.HasPrefix(line, "Complete:"):
			ckpts[ckptID].Complete = strings.TrimSpace(strings.TrimPrefix(line, "Complete:")) == "1"
		case strings.HasPrefix(line, "Rank:"):
			curRank, err = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Rank:")))
			if err != nil {
				return nil, errors.Wrapf(err, "store: parse Rank in %s", path)
			}
			curRS = &RankSummary{Files: make(map[string]*FileEntry)}
			ckpts[ckptID].Ranks[curRank] = curRS
		case strings.HasPrefix(line, "File:"):
			if curRS == nil {
				return nil, errors.Errorf("store: File line before any Rank line in %s", path)
			}
			fields := strings.Fields(strings.TrimPrefix(line, "File:"))
			if len(fields) < 2 {
				return nil, errors.Errorf("store: malformed File line in %s: %q", path, line)
			}
			size, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "store: parse file size in %s", path)
			}
			fe := &FileEntry{Size: size, Complete: true}
			if len(fields) >= 3 && fields[2] != "-" {
				crc, err := strconv.ParseUint(fields[2], 16, 32)
				if err == nil {
					v := uint32(crc)
					fe.CRC32 = &v
				}
			}
			if len(fields) >= 4 && fields[3] == "NOFETCH" {
				fe.NoFetch = true
			}
			curRS.Files[fields[0]] = fe
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "store: scan %s", path)
	}
	if version == 0 {
		return nil, errors.Errorf("store: %s has no Version line", path)
	}
	return &Summary{Version: version, Ckpts: ckpts}, nil
}

func summaryLineForFile(name string, fe *FileEntry) string {
	crc := "-"
	if fe.CRC32 != nil {
		crc = fmt.Sprintf("%x", *fe.CRC32)
	}
	nofetch := ""
	if fe.NoFetch {
		nofetch = " NOFETCH"
	}
	return fmt.Sprintf("File: %s %d %s%s", name, fe.Size, crc, nofetch)
}
