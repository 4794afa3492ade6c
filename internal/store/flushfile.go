package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Location is one bit of a checkpoint's flush-file entry. These are
// independent flags, not a single state — spec.md §5 is explicit that
// CACHE, FLUSHING, and PFS can all be set at once and the transitions
// aren't monotonic (eviction clears CACHE out from under a flushed,
// still-PFS-resident checkpoint).
type Location int

const (
	LocationCache    Location = 1 << 0
	LocationPFS      Location = 1 << 1
	LocationFlushing Location = 1 << 2
)

// FlushFile is the per-node persistent record spec.md §3 specifies:
// checkpoint_id → set of Location bits.
type FlushFile struct {
	mu   sync.RWMutex
	path string
	Locs map[int]Location `json:"locations"`
}

func NewFlushFile(path string) *FlushFile {
	return &FlushFile{path: path, Locs: make(map[int]Location)}
}

func LoadFlushFile(path string) (*FlushFile, error) {
	f := NewFlushFile(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, errors.Wrapf(err, "store: read flush file %s", path)
	}
	if err := json.Unmarshal(data, &f.Locs); err != nil {
		return nil, errors.Wrapf(err, "store: parse flush file %s", path)
	}
	return f, nil
}

func (f *FlushFile) Save() error {
	f.mu.RLock()
	data, err := json.Marshal(f.Locs)
	f.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "store: marshal flush file")
	}
	return writeFileAtomic(f.path, data, 0o644)
}

func (f *FlushFile) Set(ckpt int, loc Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Locs[ckpt] |= loc
}

func (f *FlushFile) Clear(ckpt int, loc Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Locs[ckpt] &^= loc
}

func (f *FlushFile) Has(ckpt int, loc Location) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Locs[ckpt]&loc != 0
}

// NeedsFlush implements spec.md §4.6's need-flush test: present with
// location CACHE and not yet PFS.
func (f *FlushFile) NeedsFlush(ckpt int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	loc := f.Locs[ckpt]
	return loc&LocationCache != 0 && loc&LocationPFS == 0
}

// Remove drops ckpt's entry entirely, used by cache eviction.
func (f *FlushFile) Remove(ckpt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Locs, ckpt)
}

// AnyFlushing reports whether some checkpoint other than except currently
// has LocationFlushing set, the guard flush.Scheduler.StartAsync consults before
// accepting a new id (spec.md §4.6's "Start rejects if already in progress
// for a different id").
func (f *FlushFile) AnyFlushing(except int) (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ckpt, loc := range f.Locs {
		if ckpt != except && loc&LocationFlushing != 0 {
			return ckpt, true
		}
	}
	return 0, false
}
