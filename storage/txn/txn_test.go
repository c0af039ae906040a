package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"daemonkv/storage/bufferpool"
	"daemonkv/storage/diskmanager"
	"daemonkv/storage/lock"
	"daemonkv/storage/wal"
)

func newTestManager(t *testing.T) (*Manager, *bufferpool.Pool, uint32) {
	t.Helper()
	dir := t.TempDir()
	dm := diskmanager.NewManager(nil)
	tableID, err := dm.OpenTable(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	w, err := wal.Open(filepath.Join(dir, "test.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	pool := bufferpool.NewPool(16, dm, w, nil)
	locks := lock.NewTable(nil)
	return NewManager(w, locks, pool, nil), pool, tableID
}

func TestBeginAssignsLiveTransaction(t *testing.T) {
	m, _, _ := newTestManager(t)
	id, err := m.Begin()
	require.NoError(t, err)
	require.NotZero(t, id)
	require.True(t, m.IsLive(id))
}

func TestCommitClearsTransaction(t *testing.T) {
	m, _, _ := newTestManager(t)
	id, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(id))
	require.False(t, m.IsLive(id))

	err = m.Commit(id)
	require.ErrorIs(t, err, ErrUnknownTrx)
}

func TestAbortUnknownTransaction(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Abort(999)
	require.ErrorIs(t, err, ErrUnknownTrx)
}

// TestAbortRevertsPageToBeforeImage covers the ARIES undo property: after
// LogUpdate records a before-image and Abort runs, the page bytes are back
// to what they were before the update.
func TestAbortRevertsPageToBeforeImage(t *testing.T) {
	m, pool, tableID := newTestManager(t)

	pn, err := pool.AllocPage(tableID)
	require.NoError(t, err)

	// Record bytes live past the page_lsn field (bytes 0..7), which
	// LogUpdate and Abort stamp.
	pg, err := pool.GetPage(tableID, pn)
	require.NoError(t, err)
	copy(pg.Data[200:205], "AAAAA")
	pool.SetDirty(pg)
	pool.Unpin(pg)

	id, err := m.Begin()
	require.NoError(t, err)

	pg, err = pool.GetPage(tableID, pn)
	require.NoError(t, err)
	oldImage := append([]byte(nil), pg.Data[200:205]...)
	copy(pg.Data[200:205], "BBBBB")
	pool.SetDirty(pg)
	setLSN := pg.SetLSN
	pool.Unpin(pg)

	require.NoError(t, m.LogUpdate(id, tableID, pn, 200, oldImage, []byte("BBBBB"), setLSN))

	pg, err = pool.GetPage(tableID, pn)
	require.NoError(t, err)
	require.Equal(t, "BBBBB", string(pg.Data[200:205]))
	pool.Unpin(pg)

	require.NoError(t, m.Abort(id))

	pg, err = pool.GetPage(tableID, pn)
	require.NoError(t, err)
	require.Equal(t, "AAAAA", string(pg.Data[200:205]))
	pool.Unpin(pg)

	require.False(t, m.IsLive(id))
}

// TestDeadlockCallbackAbortsTransaction covers the abort path NewManager
// registers as lock.Table's deadlock callback: a transaction aborted that
// way must end up not-live.
func TestDeadlockCallbackAbortsTransaction(t *testing.T) {
	m, _, _ := newTestManager(t)
	id, err := m.Begin()
	require.NoError(t, err)
	require.True(t, m.IsLive(id))

	// The registered callback is unexported on lock.Table, so call Abort,
	// the function the callback runs, directly.
	require.NoError(t, m.Abort(id))
	require.False(t, m.IsLive(id))
}
