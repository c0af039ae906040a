package daemonkv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	eng, err := InitDB(16, 0, 0, filepath.Join(dir, "test.log"), filepath.Join(dir, "test.logmsg"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.ShutdownDB() })
	return eng, dir
}

func recordValue(b byte) []byte {
	v := make([]byte, 46)
	for i := range v {
		v[i] = b
	}
	return v
}

// TestInsertFindCommit is spec §8's basic end-to-end scenario: open a
// table, insert a record, begin a transaction, find it, commit.
func TestInsertFindCommit(t *testing.T) {
	eng, dir := newTestEngine(t)
	tableID, err := eng.OpenTable(filepath.Join(dir, "t1.db"))
	require.NoError(t, err)

	require.NoError(t, eng.DBInsert(tableID, 1, recordValue('x')))

	trxID, err := eng.TrxBegin()
	require.NoError(t, err)
	val, err := eng.DBFind(tableID, 1, trxID)
	require.NoError(t, err)
	require.Equal(t, recordValue('x'), val)
	require.NoError(t, eng.TrxCommit(trxID))
}

// TestBankTransferSingleThread mirrors spec §8's bank-transfer scenario
// run single-threaded: two accounts, a transfer implemented as a locked
// read-modify-write pair inside one transaction, total balance preserved.
func TestBankTransferSingleThread(t *testing.T) {
	eng, dir := newTestEngine(t)
	tableID, err := eng.OpenTable(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)

	balanceA := encodeBalance(100)
	balanceB := encodeBalance(50)
	require.NoError(t, eng.DBInsert(tableID, 1, balanceA))
	require.NoError(t, eng.DBInsert(tableID, 2, balanceB))

	trxID, err := eng.TrxBegin()
	require.NoError(t, err)

	a, err := eng.DBFind(tableID, 1, trxID)
	require.NoError(t, err)
	b, err := eng.DBFind(tableID, 2, trxID)
	require.NoError(t, err)

	amtA := decodeBalance(a) - 30
	amtB := decodeBalance(b) + 30

	_, err = eng.DBUpdate(tableID, 1, encodeBalance(amtA), trxID)
	require.NoError(t, err)
	_, err = eng.DBUpdate(tableID, 2, encodeBalance(amtB), trxID)
	require.NoError(t, err)

	require.NoError(t, eng.TrxCommit(trxID))

	trxID2, err := eng.TrxBegin()
	require.NoError(t, err)
	finalA, err := eng.DBFind(tableID, 1, trxID2)
	require.NoError(t, err)
	finalB, err := eng.DBFind(tableID, 2, trxID2)
	require.NoError(t, err)
	require.NoError(t, eng.TrxCommit(trxID2))

	require.Equal(t, int64(70), decodeBalance(finalA))
	require.Equal(t, int64(80), decodeBalance(finalB))
}

// TestAbortRollsBackUpdate covers the transaction-abort property: an
// update inside an aborted transaction must not be visible afterward.
func TestAbortRollsBackUpdate(t *testing.T) {
	eng, dir := newTestEngine(t)
	tableID, err := eng.OpenTable(filepath.Join(dir, "t2.db"))
	require.NoError(t, err)

	require.NoError(t, eng.DBInsert(tableID, 1, encodeBalance(100)))

	trxID, err := eng.TrxBegin()
	require.NoError(t, err)
	_, err = eng.DBUpdate(tableID, 1, encodeBalance(999), trxID)
	require.NoError(t, err)
	require.NoError(t, eng.TrxAbort(trxID))

	trxID2, err := eng.TrxBegin()
	require.NoError(t, err)
	val, err := eng.DBFind(tableID, 1, trxID2)
	require.NoError(t, err)
	require.NoError(t, eng.TrxCommit(trxID2))
	require.Equal(t, int64(100), decodeBalance(val))
}

func TestFindUnknownTableErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	trxID, err := eng.TrxBegin()
	require.NoError(t, err)
	_, err = eng.DBFind(99, 1, trxID)
	require.Error(t, err)
}

func TestDebugLocksReflectsActiveWork(t *testing.T) {
	eng, dir := newTestEngine(t)
	tableID, err := eng.OpenTable(filepath.Join(dir, "t3.db"))
	require.NoError(t, err)
	require.NoError(t, eng.DBInsert(tableID, 1, encodeBalance(1)))

	trxID, err := eng.TrxBegin()
	require.NoError(t, err)
	_, err = eng.DBFind(tableID, 1, trxID)
	require.NoError(t, err)
	require.NotEmpty(t, eng.DebugLocks())
	require.NoError(t, eng.TrxCommit(trxID))
}

func encodeBalance(v int64) []byte {
	buf := make([]byte, 46)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func decodeBalance(buf []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(buf[i]) << (8 * i)
	}
	return v
}
