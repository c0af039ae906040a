// Package daemonkv is the external interface (spec §6): init_db,
// shutdown_db, open_table, db_insert/find/update/delete, and
// trx_begin/commit/abort, wired on top of storage/{diskmanager,wal,
// bufferpool,btree,lock,txn,catalog}.
//
// Grounded on the shared engine-handle shape spec §9's "Shared mutable
// globals" design note calls for (an instance, not package-level state),
// and on storage_engine's own top-level wiring of its disk manager,
// buffer pool, and WAL into one struct.
package daemonkv

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"daemonkv/storage/btree"
	"daemonkv/storage/bufferpool"
	"daemonkv/storage/catalog"
	"daemonkv/storage/diskmanager"
	"daemonkv/storage/lock"
	"daemonkv/storage/txn"
	"daemonkv/storage/wal"
)

// DeadlockCheckInterval is the periodic waits-for-graph sweep cadence,
// the Go analogue of trx.h's DEADLOCK_CHECK_INTERVAL (see SPEC_FULL.md's
// "Deadlock check cadence" note).
const DeadlockCheckInterval = 5 * time.Second

// Engine is one open database: the buffer pool, WAL, lock table,
// transaction manager, table catalog, and the set of open B+-trees. Spec
// §9 disallows more than one Engine over the same set of files.
type Engine struct {
	mu sync.Mutex

	dm    *diskmanager.Manager
	wal   *wal.Manager
	pool  *bufferpool.Pool
	locks *lock.Table
	trxs  *txn.Manager
	cat   *catalog.Catalog

	trees map[uint32]*btree.Tree

	logmsgPath  string
	recoverOnce sync.Once
	recoverErr  error
	stopSweep   func()
	log         *logrus.Logger
}

// InitDB brings up an engine handle: the buffer pool sized to numBuf
// frames, the WAL at logPath, and the background deadlock sweep. Recovery
// against logmsgPath is deferred until the first OpenTable call, since
// the WAL may reference tables this call's caller has not yet reopened
// via OpenTable (see DESIGN.md's "InitDB/OpenTable/recovery sequencing"
// entry).
//
// flag and logNum mirror spec §6's init_db(num_buf, flag, log_num,
// log_path, logmsg_path) signature. Per original_source/project6's own
// init_recovery (database.cc/recovery.cc), neither parameter changes what
// recovery does — flag and log_num are accepted and logged but recovery
// always runs against exactly the one log file at logPath; see DESIGN.md's
// "init_db flag/log_num" entry.
func InitDB(numBuf int, flag, logNum int, logPath, logmsgPath string, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{"num_buf": numBuf, "flag": flag, "log_num": logNum}).Info("daemonkv: init_db")

	dm := diskmanager.NewManager(log)
	w, err := wal.Open(logPath, log)
	if err != nil {
		return nil, fmt.Errorf("daemonkv: init_db open wal: %w", err)
	}
	pool := bufferpool.NewPool(numBuf, dm, w, log)
	locks := lock.NewTable(log)
	trxs := txn.NewManager(w, locks, pool, log)
	cat, err := catalog.New(dm, int64(numBuf)*4, log)
	if err != nil {
		return nil, fmt.Errorf("daemonkv: init_db catalog: %w", err)
	}

	e := &Engine{
		dm:         dm,
		wal:        w,
		pool:       pool,
		locks:      locks,
		trxs:       trxs,
		cat:        cat,
		trees:      make(map[uint32]*btree.Tree),
		logmsgPath: logmsgPath,
		log:        log,
	}
	e.stopSweep = locks.StartDeadlockSweep(DeadlockCheckInterval)
	return e, nil
}

// ShutdownDB stops the deadlock sweep, flushes every dirty frame and the
// log, and closes every table file.
func (e *Engine) ShutdownDB() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSweep()
	if err := e.pool.FlushAllFrames(); err != nil {
		return fmt.Errorf("daemonkv: shutdown_db flush: %w", err)
	}
	if err := e.wal.Close(); err != nil {
		return fmt.Errorf("daemonkv: shutdown_db wal close: %w", err)
	}
	e.cat.Close()
	return e.dm.CloseAll()
}

// OpenTable opens pathname, returning its table_id, and lazily triggers
// recovery (once, across every table this Engine ever opens).
func (e *Engine) OpenTable(pathname string) (uint32, error) {
	tableID, err := e.cat.Open(pathname)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if _, ok := e.trees[tableID]; !ok {
		e.trees[tableID] = btree.New(tableID, e.pool, e.dm, e.locks, e.trxs, e.log)
	}
	e.mu.Unlock()

	e.recoverOnce.Do(func() {
		e.recoverErr = e.wal.Recover(e.dm, e.logmsgPath)
	})
	if e.recoverErr != nil {
		return 0, fmt.Errorf("daemonkv: recovery failed: %w", e.recoverErr)
	}
	return tableID, nil
}

func (e *Engine) tree(tableID uint32) (*btree.Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[tableID]
	if !ok {
		return nil, fmt.Errorf("daemonkv: table %d is not open", tableID)
	}
	return t, nil
}

// DBInsert inserts a new key/value record.
func (e *Engine) DBInsert(tableID uint32, key int64, value []byte) error {
	t, err := e.tree(tableID)
	if err != nil {
		return err
	}
	return t.Insert(key, value)
}

// DBFind returns a copy of key's stored value under trxID's shared lock.
func (e *Engine) DBFind(tableID uint32, key int64, trxID int32) ([]byte, error) {
	t, err := e.tree(tableID)
	if err != nil {
		return nil, err
	}
	val, err := t.Find(trxID, key)
	if err == lock.ErrDeadlock {
		e.abortSilently(trxID)
	}
	return val, err
}

// DBUpdate overwrites key's stored value (see btree.Tree.Update for the
// shrink-only semantics) under trxID's exclusive lock, returning the
// record's prior stored size.
func (e *Engine) DBUpdate(tableID uint32, key int64, value []byte, trxID int32) (oldSize int, err error) {
	t, terr := e.tree(tableID)
	if terr != nil {
		return 0, terr
	}
	oldSize, err = t.Update(trxID, key, value)
	if err == lock.ErrDeadlock {
		e.abortSilently(trxID)
	}
	return oldSize, err
}

// DBDelete removes key, unlocked (matching bpt_delete's signature).
func (e *Engine) DBDelete(tableID uint32, key int64) error {
	t, err := e.tree(tableID)
	if err != nil {
		return err
	}
	return t.Delete(key)
}

// TrxBegin starts a new transaction, returning its id.
func (e *Engine) TrxBegin() (int32, error) {
	return e.trxs.Begin()
}

// TrxCommit commits trxID.
func (e *Engine) TrxCommit(trxID int32) error {
	return e.trxs.Commit(trxID)
}

// TrxAbort rolls back trxID.
func (e *Engine) TrxAbort(trxID int32) error {
	return e.trxs.Abort(trxID)
}

// DebugLocks returns a snapshot of the lock table's sentinels and their
// queues, the Go analogue of trx.h's print_debugging_infos.
func (e *Engine) DebugLocks() string {
	return e.locks.DebugDump()
}

// abortSilently is used when a deadlock is discovered synchronously
// inside Find/Update: the lock table has already removed the offending
// waiter's queue entry, but the transaction itself (its undo log, its
// other held locks) still needs the normal abort path.
func (e *Engine) abortSilently(trxID int32) {
	if err := e.trxs.Abort(trxID); err != nil {
		e.log.WithError(err).WithField("trx_id", trxID).Warn("daemonkv: post-deadlock abort failed")
	}
}
