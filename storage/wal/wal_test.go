package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daemonkv/storage/diskmanager"
	"daemonkv/storage/page"
)

// TestRecoveryUndoesLoserTransaction is spec §8's idempotent-recovery
// scenario in miniature: a transaction logs an UPDATE but never commits
// before the "crash" (we just never write the new image to the page and
// never write a COMMIT record). Recovery must redo the update forward
// from the log, then undo it back out because the transaction is a loser,
// leaving the page exactly as it was before the transaction ever ran.
func TestRecoveryUndoesLoserTransaction(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logPath := filepath.Join(dir, "test.log")
	logmsgPath := filepath.Join(dir, "test.logmsg")

	dm := diskmanager.NewManager(nil)
	tableID, err := dm.OpenTable(dbPath)
	require.NoError(t, err)

	pn, err := dm.AllocPage(tableID)
	require.NoError(t, err)

	var pg page.Page
	require.NoError(t, dm.WritePage(tableID, pn, &pg, true))

	m, err := Open(logPath, nil)
	require.NoError(t, err)

	lsnBegin := m.Append(NewBeginRecord(1, 0))

	oldImage := []byte{0, 0, 0, 0}
	newImage := []byte{1, 2, 3, 4}
	updRec := NewUpdateRecord(1, lsnBegin, tableID, pn, 200, 4, oldImage, newImage)
	m.Append(updRec)

	require.NoError(t, m.FlushLog())
	require.NoError(t, m.Close())
	require.NoError(t, dm.CloseAll())

	// Reopen everything fresh, as the engine would after a crash restart.
	dm2 := diskmanager.NewManager(nil)
	tableID2, err := dm2.OpenTable(dbPath)
	require.NoError(t, err)
	defer dm2.CloseAll()

	m2, err := Open(logPath, nil)
	require.NoError(t, err)
	defer m2.Close()

	require.NoError(t, m2.Recover(dm2, logmsgPath))

	var got page.Page
	require.NoError(t, dm2.ReadPage(tableID2, pn, &got))
	assert.Equal(t, oldImage, got.Data[200:204], "loser transaction's update must be undone")

	msg, err := os.ReadFile(logmsgPath)
	require.NoError(t, err)
	assert.Contains(t, string(msg), "[ANALYSIS] Analysis pass start")
	assert.Contains(t, string(msg), "[REDO] Redo pass start")
	assert.Contains(t, string(msg), "[UNDO] Undo pass start")
	assert.Contains(t, string(msg), "undo apply")
}

// TestRecoveryKeepsCommittedTransaction checks the winner side: an UPDATE
// followed by a COMMIT survives recovery even if the page write never made
// it to disk before the crash.
func TestRecoveryKeepsCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logPath := filepath.Join(dir, "test.log")
	logmsgPath := filepath.Join(dir, "test.logmsg")

	dm := diskmanager.NewManager(nil)
	tableID, err := dm.OpenTable(dbPath)
	require.NoError(t, err)
	pn, err := dm.AllocPage(tableID)
	require.NoError(t, err)
	var pg page.Page
	require.NoError(t, dm.WritePage(tableID, pn, &pg, true))

	m, err := Open(logPath, nil)
	require.NoError(t, err)
	lsnBegin := m.Append(NewBeginRecord(7, 0))
	oldImage := []byte{0, 0, 0, 0}
	newImage := []byte{9, 9, 9, 9}
	lsnUpd := m.Append(NewUpdateRecord(7, lsnBegin, tableID, pn, 200, 4, oldImage, newImage))
	m.Append(NewCommitRecord(7, lsnUpd))
	require.NoError(t, m.FlushLog())
	require.NoError(t, m.Close())
	require.NoError(t, dm.CloseAll())

	dm2 := diskmanager.NewManager(nil)
	tableID2, err := dm2.OpenTable(dbPath)
	require.NoError(t, err)
	defer dm2.CloseAll()
	m2, err := Open(logPath, nil)
	require.NoError(t, err)
	defer m2.Close()
	require.NoError(t, m2.Recover(dm2, logmsgPath))

	var got page.Page
	require.NoError(t, dm2.ReadPage(tableID2, pn, &got))
	assert.Equal(t, newImage, got.Data[200:204], "committed transaction's update must survive recovery")
}
