package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// IndexEntry is one flushed checkpoint subdirectory's bookkeeping, per
// spec.md §3's index file shape.
type IndexEntry struct {
	FlushedTime string `json:"flushed_time"`
	FetchedTime string `json:"fetched_time,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
	Complete    bool   `json:"complete"`
}

// IndexFile is the PFS-resident catalog of flushed checkpoint directories,
// rooted at the prefix directory: checkpoint_id → subdir_name → IndexEntry.
type IndexFile struct {
	mu   sync.RWMutex
	path string
	Ckpts map[int]map[string]*IndexEntry `json:"ckpts"`
}

func NewIndexFile(path string) *IndexFile {
	return &IndexFile{path: path, Ckpts: make(map[int]map[string]*IndexEntry)}
}

func LoadIndexFile(path string) (*IndexFile, error) {
	idx := NewIndexFile(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, errors.Wrapf(err, "store: read index file %s", path)
	}
	if err := json.Unmarshal(data, &idx.Ckpts); err != nil {
		return nil, errors.Wrapf(err, "store: parse index file %s", path)
	}
	return idx, nil
}

func (idx *IndexFile) Save() error {
	idx.mu.RLock()
	data, err := json.MarshalIndent(idx.Ckpts, "", "  ")
	idx.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "store: marshal index file")
	}
	return writeFileAtomic(idx.path, data, 0o644)
}

// AddSubdir registers a newly created flush subdirectory, marked
// incomplete until MarkComplete is called once the summary file and
// symlink have been published — the ordering guarantee spec.md §4.6
// states ("observable at the PFS only after its summary file is
// published and the symlink switches").
func (idx *IndexFile) AddSubdir(ckpt int, subdir, flushedTime string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	subdirs, ok := idx.Ckpts[ckpt]
	if !ok {
		subdirs = make(map[string]*IndexEntry)
		idx.Ckpts[ckpt] = subdirs
	}
	subdirs[subdir] = &IndexEntry{FlushedTime: flushedTime}
}

func (idx *IndexFile) MarkComplete(ckpt int, subdir string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if subdirs, ok := idx.Ckpts[ckpt]; ok {
		if e, ok := subdirs[subdir]; ok {
			e.Complete = true
		}
	}
}

func (idx *IndexFile) MarkFetched(ckpt int, subdir, fetchedTime string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if subdirs, ok := idx.Ckpts[ckpt]; ok {
		if e, ok := subdirs[subdir]; ok {
			e.FetchedTime = fetchedTime
		}
	}
}

// LatestComplete returns the highest checkpoint id with at least one
// complete, non-failed subdirectory — the candidate the fetch loader
// reads from when nothing is recoverable from node-local cache.
func (idx *IndexFile) LatestComplete() (ckpt int, subdir string, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	best := -1
	var bestSub string
	for c, subdirs := range idx.Ckpts {
		for name, e := range subdirs {
			if e.Complete && !e.Failed && c > best {
				best, bestSub = c, name
			}
		}
	}
	if best < 0 {
		return 0, "", false
	}
	return best, bestSub, true
}
