package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransferFileWithLockPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.scr")
	tf := NewTransferFile(path)

	err := tf.WithLock(func(tf *TransferFile) error {
		tf.Command = CommandRun
		tf.State = StateRun
		tf.Files["a"] = &TransferEntry{Destination: "/pfs/a", Size: 100, Written: 0}
		return nil
	})
	require.NoError(t, err)

	other := NewTransferFile(path)
	err = other.WithLock(func(tf *TransferFile) error {
		require.Equal(t, CommandRun, tf.Command)
		require.Equal(t, StateRun, tf.State)
		require.Equal(t, int64(100), tf.Files["a"].Size)
		tf.Files["a"].Written = 100
		return nil
	})
	require.NoError(t, err)

	final := NewTransferFile(path)
	require.NoError(t, final.WithLock(func(tf *TransferFile) error {
		require.True(t, tf.Files["a"].Complete())
		return nil
	}))
}

func TestTransferEntryComplete(t *testing.T) {
	e := &TransferEntry{Size: 10, Written: 5}
	require.False(t, e.Complete())
	e.Written = 10
	require.True(t, e.Complete())
	e.Written = 11
	require.True(t, e.Complete())
}
