package scr

import (
	"encoding/json"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/scrgo/scr/internal/store"
)

// HaltFile implements the halt-file policy engine spec.md marks out of
// scope and SPEC_FULL.md's §4.11 supplements: the per-job persistent
// record (`halt.scrinfo`) an external monitor and the job itself both
// touch, so mutation goes through an advisory lock the same way
// internal/store.TransferFile does.
//
// Grounded on the field list original_source/src/scr.h's
// SCR_TEST_AND_HALT/SCR_TEST_BUT_DONT_HALT style implies and on spec.md
// §5's "a node that has received a SIGHALT-equivalent" mention.
type HaltFile struct {
	path string
	lock *flock.Flock

	// CheckpointsLeft counts down the checkpoints this job is still
	// permitted to take; -1 means unlimited. Reaching 0 halts.
	CheckpointsLeft int `json:"checkpoints_left"`
	// ExitBefore is an absolute deadline: the job should halt once
	// within HaltSeconds of reaching it. Zero means unset.
	ExitBefore time.Time `json:"exit_before"`
	// ExitAfter is an absolute floor an external monitor consults before
	// signaling halt; the library itself never halts earlier because of
	// it. Zero means unset.
	ExitAfter time.Time `json:"exit_after"`
}

func NewHaltFile(path string) *HaltFile {
	return &HaltFile{path: path, lock: flock.New(path + ".lock"), CheckpointsLeft: -1}
}

// LoadHaltFile reads path if present, otherwise returns a fresh, unlimited
// HaltFile — a job with no halt file configured never halts on its own.
func LoadHaltFile(path string) (*HaltFile, error) {
	h := NewHaltFile(path)
	if err := h.reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// WithLock mirrors internal/store.TransferFile's lock/reload/mutate/save
// sequence, since the halt file has the same concurrent-writer shape: an
// external monitor (cmd/scrctl halt) sets ExitBefore/ExitAfter while the
// job itself decrements CheckpointsLeft.
func (h *HaltFile) WithLock(fn func(h *HaltFile) error) error {
	if err := h.lock.Lock(); err != nil {
		return errors.Wrap(err, "scr: lock halt file")
	}
	defer h.lock.Unlock()

	if err := h.reload(); err != nil {
		return err
	}
	if err := fn(h); err != nil {
		return err
	}
	return h.save()
}

func (h *HaltFile) reload() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "scr: read halt file %s", h.path)
	}
	var on struct {
		CheckpointsLeft int       `json:"checkpoints_left"`
		ExitBefore      time.Time `json:"exit_before"`
		ExitAfter       time.Time `json:"exit_after"`
	}
	if err := json.Unmarshal(data, &on); err != nil {
		return errors.Wrapf(err, "scr: parse halt file %s", h.path)
	}
	h.CheckpointsLeft, h.ExitBefore, h.ExitAfter = on.CheckpointsLeft, on.ExitBefore, on.ExitAfter
	return nil
}

func (h *HaltFile) save() error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "scr: marshal halt file")
	}
	return store.WriteFileAtomic(h.path, data, 0o644)
}

// DecrementCheckpoints counts one checkpoint against CheckpointsLeft,
// floored at 0, and reports what remains. A CheckpointsLeft of -1
// (unlimited) is left untouched.
func (h *HaltFile) DecrementCheckpoints() int {
	if h.CheckpointsLeft > 0 {
		h.CheckpointsLeft--
	}
	return h.CheckpointsLeft
}

// ShouldHalt reports whether the job should stop taking checkpoints and
// exit, per spec.md §5's halt pressure: either the checkpoint count
// reached zero, or now is within haltSeconds of ExitBefore.
func (h *HaltFile) ShouldHalt(now time.Time, haltSeconds int) bool {
	if h.CheckpointsLeft == 0 {
		return true
	}
	if !h.ExitBefore.IsZero() {
		guard := h.ExitBefore.Add(-time.Duration(haltSeconds) * time.Second)
		if !now.Before(guard) {
			return true
		}
	}
	return false
}

// CanHaltNow reports whether now is past ExitAfter (or ExitAfter is
// unset) — the floor an external monitor should respect before actually
// signaling halt, so a job isn't killed moments after starting.
func (h *HaltFile) CanHaltNow(now time.Time) bool {
	return h.ExitAfter.IsZero() || now.After(h.ExitAfter)
}
