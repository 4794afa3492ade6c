// Package cache implements spec.md §4.5's cache manager: capacity
// enforcement at a single base, FLUSHING-skip eviction ordering, and
// node-local directory creation for a fresh checkpoint.
//
// Grounded on internal/store's sidecar/FileMap/flush-file primitives
// (this package is the first caller to compose all three into a single
// policy) and on spec.md §5's "block on the oldest flushing checkpoint"
// rule for testable scenario S3/S6.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/internal/store"
	"github.com/scrgo/scr/xlog"
)

// defaultPollInterval matches spec.md §5's usleep(10s) polling cadence for
// flush_async_state_wait/flush_async_wait.
const defaultPollInterval = 10 * time.Second

// Manager enforces one base's cache capacity and owns the directory
// creation step every new checkpoint needs.
type Manager struct {
	Local        comm.Communicator // node-local communicator for the mkdir barrier
	FileMap      *store.FileMap
	FlushFile    *store.FlushFile
	CacheDir     string // base directory this manager's checkpoints live under
	Capacity     int
	CRCOnDelete  bool
	PollInterval time.Duration // defaults to defaultPollInterval when zero

	log *xlog.Logger
}

func (m *Manager) logger() *xlog.Logger {
	if m.log == nil {
		m.log = xlog.New().WithField("component", "cache")
	}
	return m.log
}

// CheckpointDir returns the on-disk directory for a checkpoint at this
// base, matching spec.md §6's cache layout.
func (m *Manager) CheckpointDir(checkpointID int) string {
	return filepath.Join(m.CacheDir, "checkpoint."+strconv.Itoa(checkpointID))
}

// Reserve evicts until there's room for checkpointID, then creates (and
// barriers on) its directory. It blocks, per spec.md §4.5 and testable
// scenarios S3/S6, when the only evictable checkpoints are FLUSHING.
func (m *Manager) Reserve(ctx context.Context, checkpointID int) (string, error) {
	for {
		cached := m.cachedIDs()
		if len(cached) < m.Capacity {
			break
		}
		victim, flushing, err := m.pickVictim(cached)
		if err != nil {
			return "", err
		}
		if flushing {
			if err := m.waitForFlushComplete(ctx, victim); err != nil {
				return "", err
			}
			continue
		}
		m.logger().WithField("checkpoint", victim).Info("evicting to make room")
		if err := m.Evict(ctx, victim); err != nil {
			return "", err
		}
	}
	return m.createDir(ctx, checkpointID)
}

// cachedIDs returns, in ascending order, every checkpoint id this manager
// currently has cached (flush-file location CACHE set).
func (m *Manager) cachedIDs() []int {
	var ids []int
	for id, loc := range m.FlushFile.Locs {
		if loc&store.LocationCache != 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// pickVictim returns the oldest non-flushing checkpoint to evict, or — if
// every cached checkpoint is FLUSHING — the oldest flushing one to wait on
// (flushing=true signals "wait, don't evict yet").
func (m *Manager) pickVictim(cached []int) (id int, flushing bool, err error) {
	for _, c := range cached {
		if !m.FlushFile.Has(c, store.LocationFlushing) {
			return c, false, nil
		}
	}
	if len(cached) == 0 {
		return 0, false, errors.New("cache: no cached checkpoint to evict at capacity")
	}
	return cached[0], true, nil
}

func (m *Manager) waitForFlushComplete(ctx context.Context, id int) error {
	interval := m.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	for m.FlushFile.Has(id, store.LocationFlushing) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

// Evict deletes a checkpoint's files (optionally CRC-verifying first),
// sidecars, and directory, then clears its bookkeeping everywhere it
// appears. Per-file CRC-on-delete runs concurrently via errgroup.
func (m *Manager) Evict(ctx context.Context, checkpointID int) error {
	g, _ := errgroup.WithContext(ctx)
	for _, rank := range m.FileMap.Ranks(checkpointID) {
		for _, f := range m.FileMap.Files(checkpointID, rank) {
			f := f
			g.Go(func() error { return evictFile(f, m.CRCOnDelete) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, rank := range m.FileMap.Ranks(checkpointID) {
		for _, f := range m.FileMap.Files(checkpointID, rank) {
			m.FileMap.RemoveFile(checkpointID, rank, f)
		}
	}
	if err := os.RemoveAll(m.CheckpointDir(checkpointID)); err != nil {
		return errors.Wrapf(err, "cache: remove checkpoint dir %d", checkpointID)
	}
	m.FlushFile.Remove(checkpointID)
	m.FileMap.RemoveCheckpoint(checkpointID)
	if err := m.FlushFile.Save(); err != nil {
		return err
	}
	return m.FileMap.Save()
}

func evictFile(path string, crcOnDelete bool) error {
	if crcOnDelete {
		sc, err := store.ReadSidecar(path)
		if err != nil {
			return err
		}
		if sc != nil {
			ok, err := store.VerifyCRC32(path, sc)
			if err != nil {
				return err
			}
			if !ok {
				xlog.New().WithField("file", path).Error("cache: CRC mismatch evicting file, deleting anyway")
			}
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cache: remove %s", path)
	}
	return store.RemoveSidecar(path)
}

// createDir implements spec.md §4.5's "only the node-local rank 0 creates
// the directory; a barrier publishes it to peers".
func (m *Manager) createDir(ctx context.Context, checkpointID int) (string, error) {
	dir := m.CheckpointDir(checkpointID)
	if m.Local == nil || m.Local.Rank() == 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(err, "cache: mkdir %s", dir)
		}
	}
	if m.Local != nil {
		if err := m.Local.Barrier(ctx); err != nil {
			return "", errors.Wrap(err, "cache: directory-creation barrier")
		}
	}
	return dir, nil
}
