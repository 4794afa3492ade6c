package store

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// RankEntry is one (checkpoint_id, rank) node in a FileMap: the set of
// cached files, the expected count used to decide completeness, the
// descriptor's hash (so a restarted process can tell whether its config
// still matches what produced these files), and a small tag bag ("PARTNER"
// → partner hostname, the only tag spec.md §4.2 actually names).
type RankEntry struct {
	Files          map[string]bool `json:"files"`
	ExpectedCount  int             `json:"expected_count"`
	DescriptorHash string          `json:"descriptor_hash"`
	Tags           map[string]string `json:"tags"`
}

func newRankEntry() *RankEntry {
	return &RankEntry{Files: make(map[string]bool), Tags: make(map[string]string)}
}

// Complete reports whether ExpectedCount is set (nonzero) and the file
// count matches it, per spec.md §3's FileMap invariant.
func (e *RankEntry) Complete() bool {
	if e.ExpectedCount == 0 {
		return false
	}
	return len(e.Files) == e.ExpectedCount
}

// FileMap is the per-node persistent structure spec.md §3 specifies:
// checkpoint_id → rank → RankEntry. Safe for concurrent use by the node's
// local ranks (each local rank owns and persists its own file, per §5, but
// the in-memory type is shared by tests and by cmd/scrsim's single process
// simulating many ranks).
type FileMap struct {
	mu    sync.RWMutex
	path  string
	Ckpts map[int]map[int]*RankEntry `json:"ckpts"`
}

// New returns an empty FileMap backed by path (used for persistence by
// Save/Load below).
func New(path string) *FileMap {
	return &FileMap{path: path, Ckpts: make(map[int]map[int]*RankEntry)}
}

func (m *FileMap) entry(ckpt, rank int) *RankEntry {
	ranks, ok := m.Ckpts[ckpt]
	if !ok {
		ranks = make(map[int]*RankEntry)
		m.Ckpts[ckpt] = ranks
	}
	e, ok := ranks[rank]
	if !ok {
		e = newRankEntry()
		ranks[rank] = e
	}
	return e
}

// AddFile records file under (ckpt, rank). Idempotent: adding the same
// file twice is a no-op, satisfying "a file appears at most once" without
// the caller needing to check first.
func (m *FileMap) AddFile(ckpt, rank int, file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(ckpt, rank).Files[file] = true
}

// RemoveFile drops file from (ckpt, rank), if present.
func (m *FileMap) RemoveFile(ckpt, rank int, file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ranks, ok := m.Ckpts[ckpt]; ok {
		if e, ok := ranks[rank]; ok {
			delete(e.Files, file)
		}
	}
}

// Files returns the sorted list of files recorded under (ckpt, rank).
func (m *FileMap) Files(ckpt, rank int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ranks, ok := m.Ckpts[ckpt]
	if !ok {
		return nil
	}
	e, ok := ranks[rank]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.Files))
	for f := range e.Files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SetExpectedCount records the expected file count for (ckpt, rank), used
// by Complete to decide whether that rank's entry is whole.
func (m *FileMap) SetExpectedCount(ckpt, rank, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(ckpt, rank).ExpectedCount = n
}

// SetDescriptorHash records the descriptor hash that produced (ckpt, rank)'s
// files — used by the rebuild and restart-distribution paths to detect a
// configuration mismatch across a reshuffled restart.
func (m *FileMap) SetDescriptorHash(ckpt, rank int, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(ckpt, rank).DescriptorHash = hash
}

func (m *FileMap) DescriptorHash(ckpt, rank int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ranks, ok := m.Ckpts[ckpt]; ok {
		if e, ok := ranks[rank]; ok {
			return e.DescriptorHash
		}
	}
	return ""
}

// SetTag records a tag (e.g. "PARTNER" → hostname) for (ckpt, rank).
func (m *FileMap) SetTag(ckpt, rank int, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(ckpt, rank).Tags[key] = value
}

func (m *FileMap) Tag(ckpt, rank int, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ranks, ok := m.Ckpts[ckpt]; ok {
		if e, ok := ranks[rank]; ok {
			return e.Tags[key]
		}
	}
	return ""
}

// Complete reports whether (ckpt, rank)'s entry has reached its expected
// file count. A rank with no recorded entry is never complete.
func (m *FileMap) Complete(ckpt, rank int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ranks, ok := m.Ckpts[ckpt]
	if !ok {
		return false
	}
	e, ok := ranks[rank]
	if !ok {
		return false
	}
	return e.Complete()
}

// Ranks returns the sorted ranks with any entry under ckpt.
func (m *FileMap) Ranks(ckpt int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ranks, ok := m.Ckpts[ckpt]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(ranks))
	for r := range ranks {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// Checkpoints returns the sorted set of checkpoint ids with any entry.
func (m *FileMap) Checkpoints() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.Ckpts))
	for c := range m.Ckpts {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// RemoveCheckpoint drops every entry for ckpt — used by cache eviction
// after it has deleted the files and sidecars on disk.
func (m *FileMap) RemoveCheckpoint(ckpt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Ckpts, ckpt)
}

// Merge folds other's entries into m, used by the node master when
// scattering per-rank filemaps (§4.8) and by the restart distributor
// (§4.4) when combining per-node filemap files at startup. Later entries
// win on conflicting scalar fields; file sets union.
func (m *FileMap) Merge(other *FileMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	for ckpt, ranks := range other.Ckpts {
		for rank, oe := range ranks {
			e := m.entry(ckpt, rank)
			for f := range oe.Files {
				e.Files[f] = true
			}
			if oe.ExpectedCount != 0 {
				e.ExpectedCount = oe.ExpectedCount
			}
			if oe.DescriptorHash != "" {
				e.DescriptorHash = oe.DescriptorHash
			}
			for k, v := range oe.Tags {
				e.Tags[k] = v
			}
		}
	}
}

// Clone returns a deep copy, useful for callers that want to mutate a
// scratch copy (e.g. the restart distributor's per-round bookkeeping)
// without touching the map other goroutines may be reading.
func (m *FileMap) Clone() *FileMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := New(m.path)
	for ckpt, ranks := range m.Ckpts {
		nr := make(map[int]*RankEntry, len(ranks))
		for rank, e := range ranks {
			ne := newRankEntry()
			for f := range e.Files {
				ne.Files[f] = true
			}
			ne.ExpectedCount = e.ExpectedCount
			ne.DescriptorHash = e.DescriptorHash
			for k, v := range e.Tags {
				ne.Tags[k] = v
			}
			nr[rank] = ne
		}
		out.Ckpts[ckpt] = nr
	}
	return out
}

// Save persists m to its path atomically (write-new, rename), the on-disk
// robustness property spec.md §3 requires of the FileMap.
func (m *FileMap) Save() error {
	m.mu.RLock()
	data, err := json.Marshal(m.Ckpts)
	m.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "store: marshal filemap")
	}
	return writeFileAtomic(m.path, data, 0o644)
}

// Load reads a FileMap previously Saved at path. A missing file yields an
// empty FileMap, not an error — the very first checkpoint on a fresh node
// has no prior filemap to load.
func Load(path string) (*FileMap, error) {
	m := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Wrapf(err, "store: read filemap %s", path)
	}
	if err := json.Unmarshal(data, &m.Ckpts); err != nil {
		return nil, errors.Wrapf(err, "store: parse filemap %s", path)
	}
	return m, nil
}
