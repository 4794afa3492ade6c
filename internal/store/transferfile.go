package store

import (
	"encoding/json"
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Command is the ask a node master writes into the transfer file for the
// external mover to obey.
type Command string

// State is what the mover reports back.
type State string

const (
	CommandRun  Command = "RUN"
	CommandStop Command = "STOP"

	StateRun  State = "RUN"
	StateStop State = "STOP"
)

// TransferEntry is one file's progress within an async flush, per spec.md
// §3's "FILES: {src → {DESTINATION, SIZE, WRITTEN}}".
type TransferEntry struct {
	Destination string `json:"destination"`
	Size        int64  `json:"size"`
	Written     int64  `json:"written"`
}

// Complete reports WRITTEN >= SIZE, the per-file completeness test
// spec.md §4.6's async "test" phase uses.
func (e *TransferEntry) Complete() bool { return e.Written >= e.Size }

// TransferFile is the node-shared contract between the library and the
// out-of-process mover, spec.md §3's "Transfer file". All mutation goes
// through a file lock (github.com/gofrs/flock, already an indirect
// dependency of cockroachdb-cockroach and seaweedfs-seaweedfs in this
// pack) since the mover and the node master both write it — the one
// concurrent-writer pattern in this entire engine that genuinely needs an
// OS-level lock rather than single-writer discipline.
type TransferFile struct {
	path string
	lock *flock.Flock

	Files      map[string]*TransferEntry `json:"files"`
	BW         float64                   `json:"bw"`
	Percent    float64                   `json:"percent"`
	Command    Command                   `json:"command"`
	State      State                     `json:"state"`
	FlagDone   bool                      `json:"flag_done"`
}

func NewTransferFile(path string) *TransferFile {
	return &TransferFile{
		path:  path,
		lock:  flock.New(path + ".lock"),
		Files: make(map[string]*TransferEntry),
		State: StateStop,
	}
}

// WithLock acquires the transfer file's advisory lock, reloads the current
// on-disk contents into t, runs fn, then persists t and releases the lock —
// the "acquire lock, read, modify, write, unlock" sequence spec.md §5
// requires be atomic with respect to the mover.
func (t *TransferFile) WithLock(fn func(t *TransferFile) error) error {
	if err := t.lock.Lock(); err != nil {
		return errors.Wrap(err, "store: lock transfer file")
	}
	defer t.lock.Unlock()

	if err := t.reload(); err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	return t.save()
}

func (t *TransferFile) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "store: read transfer file %s", t.path)
	}
	var on struct {
		Files    map[string]*TransferEntry `json:"files"`
		BW       float64                   `json:"bw"`
		Percent  float64                   `json:"percent"`
		Command  Command                   `json:"command"`
		State    State                     `json:"state"`
		FlagDone bool                      `json:"flag_done"`
	}
	if err := json.Unmarshal(data, &on); err != nil {
		return errors.Wrapf(err, "store: parse transfer file %s", t.path)
	}
	if on.Files != nil {
		t.Files = on.Files
	}
	t.BW, t.Percent, t.Command, t.State, t.FlagDone = on.BW, on.Percent, on.Command, on.State, on.FlagDone
	return nil
}

func (t *TransferFile) save() error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "store: marshal transfer file")
	}
	return writeFileAtomic(t.path, data, 0o644)
}
