package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
)

// tempSuffix hands out collision-free temp-file suffixes for the
// write-new-then-rename pattern every persistent structure in this package
// uses. The teacher's WriteConfig (erasure-cluster.go) truncates and
// rewrites its config file in place with no rename step at all — a crash
// mid-write leaves a corrupt file. spec.md §3 explicitly allows either
// write-new/rename or truncate-and-rewrite, but calls write-new/rename "the
// more robust option" for FileMap, so every writer here takes it, generalizing
// the teacher's single-writer assumption into something safe under the
// same-node concurrent local ranks spec.md §5 describes.
var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

func suffix() string {
	nodeOnce.Do(func() {
		var err error
		node, err = snowflake.NewNode(1)
		if err != nil {
			// snowflake.NewNode only fails if epoch-since-start overflows the
			// node's bit width, which can't happen at process start.
			panic(err)
		}
	})
	return node.Generate().String()
}

// writeFileAtomic writes data to path by writing to a sibling temp file and
// renaming over path, so a reader never observes a partially written file
// and a crash mid-write leaves the previous committed version (or nothing)
// behind, never a truncated one.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "store: mkdir %s", dir)
	}
	tmp := filepath.Join(dir, filepath.Base(path)+".tmp."+suffix())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrapf(err, "store: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "store: rename %s to %s", tmp, path)
	}
	return nil
}

// WriteFileAtomic is writeFileAtomic exported for callers outside this
// package (the root scr package's halt file) that need the same
// write-new-then-rename guarantee without duplicating it.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(path, data, perm)
}
