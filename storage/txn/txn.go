// Package txn implements the transaction manager (C6): transaction
// lifecycle (begin/commit/abort), the per-transaction undo log of
// before-images, and abort-time CLR emission.
//
// Grounded on original_source/project6/db_project/db/include/trx.h's
// trx_t (id, start_time, lock chain head, dummy_head, log_head, releasing
// flag, last_lsn) and trx.cc's trx_begin/trx_commit/trx_abort, adapted to
// Go's explicit error returns and storage_engine/transaction_manager's
// manager-holds-a-map-of-transactions organization.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"daemonkv/storage/bufferpool"
	"daemonkv/storage/lock"
	"daemonkv/storage/wal"
)

// ErrUnknownTrx is returned by Commit/Abort/LogUpdate for an id that was
// never begun, already finished, or is mid-release.
var ErrUnknownTrx = errors.New("txn: unknown or already-finished transaction")

// undoEntry is one before-image this transaction is prepared to restore,
// in the order it must be undone (last update first).
type undoEntry struct {
	tableID  uint32
	pagenum  uint64
	offset   uint16
	oldImage []byte
	prevLSN  uint64 // this transaction's own prevLSN chain position
}

// Transaction is the in-memory handle for one active transaction.
type Transaction struct {
	ID        int32
	StartTime time.Time
	LastLSN   uint64
	undoLog   []undoEntry
	releasing bool
}

// Manager owns the id counter, the active-transaction map, and the
// machinery Commit/Abort need: the WAL, the lock table, and the buffer
// pool (for reverting pages under their pin during abort).
type Manager struct {
	mu   sync.Mutex
	next int32
	live map[int32]*Transaction

	wal   *wal.Manager
	locks *lock.Table
	pool  *bufferpool.Pool

	log *logrus.Logger
}

// NewManager creates a transaction manager. It registers itself as the
// lock table's deadlock callback, so a transaction blocked in
// lock.Table.Acquire is aborted identically whether the cycle was found
// synchronously (by the waiter itself) or by the periodic sweep.
func NewManager(w *wal.Manager, locks *lock.Table, pool *bufferpool.Pool, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		next:  1,
		live:  make(map[int32]*Transaction),
		wal:   w,
		locks: locks,
		pool:  pool,
		log:   log,
	}
	locks.SetDeadlockCallback(func(trxID int32) {
		if err := m.Abort(trxID); err != nil {
			m.log.WithError(err).WithField("trx_id", trxID).Warn("txn: deadlock-sweep abort failed")
		}
	})
	return m
}

// Begin assigns a fresh, wrapping, never-zero trx_id, writes a BEGIN log
// record, and registers the transaction as live.
func (m *Manager) Begin() (int32, error) {
	m.mu.Lock()
	id := m.next
	m.next++
	if m.next == 0 {
		m.next = 1
	}
	trx := &Transaction{ID: id, StartTime: time.Now()}
	m.live[id] = trx
	m.mu.Unlock()

	rec := wal.NewBeginRecord(id, 0)
	trx.LastLSN = m.wal.Append(rec)
	m.log.WithField("trx_id", id).Debug("txn: begin")
	return id, nil
}

func (m *Manager) get(trxID int32) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trx, ok := m.live[trxID]
	if !ok || trx.releasing {
		return nil, ErrUnknownTrx
	}
	return trx, nil
}

// LogUpdate appends an UPDATE record for a change the caller has already
// applied to tableID/pagenum's bytes, pushes the before-image onto the
// transaction's undo log, and advances LastLSN. It also stamps pg's
// page_lsn with the new record's LSN, per the WAL-before-page-write
// ordering invariant.
func (m *Manager) LogUpdate(trxID int32, tableID uint32, pagenum uint64, offset uint16, oldImage, newImage []byte, setPageLSN func(lsn uint64)) error {
	trx, err := m.get(trxID)
	if err != nil {
		return err
	}
	rec := wal.NewUpdateRecord(trxID, trx.LastLSN, tableID, pagenum, offset, uint16(len(oldImage)), oldImage, newImage)
	lsn := m.wal.Append(rec)

	m.mu.Lock()
	trx.LastLSN = lsn
	trx.undoLog = append(trx.undoLog, undoEntry{
		tableID:  tableID,
		pagenum:  pagenum,
		offset:   offset,
		oldImage: append([]byte(nil), oldImage...),
		prevLSN:  rec.PrevLSN,
	})
	m.mu.Unlock()

	setPageLSN(lsn)
	return nil
}

// Commit writes a COMMIT record, flushes the log, releases every lock the
// transaction holds (in reverse of acquisition order is not required for
// correctness here — see lock.Table.ReleaseAll's doc comment — but the
// chain itself was built in acquisition order), discards the undo log,
// and forgets the transaction.
func (m *Manager) Commit(trxID int32) error {
	trx, err := m.get(trxID)
	if err != nil {
		return err
	}

	rec := wal.NewCommitRecord(trxID, trx.LastLSN)
	m.wal.Append(rec)
	if err := m.wal.FlushLog(); err != nil {
		return fmt.Errorf("txn: commit flush: %w", err)
	}

	m.mu.Lock()
	trx.releasing = true
	m.mu.Unlock()

	m.locks.ReleaseAll(trxID)

	m.mu.Lock()
	delete(m.live, trxID)
	m.mu.Unlock()

	m.log.WithField("trx_id", trxID).Debug("txn: commit")
	return nil
}

// Abort emits a CLR for every undo-log entry (most recent first),
// reverting each update under the affected page's pin and advancing its
// page_lsn, then writes a ROLLBACK record and releases locks.
func (m *Manager) Abort(trxID int32) error {
	trx, err := m.get(trxID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entries := append([]undoEntry(nil), trx.undoLog...)
	m.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		pg, perr := m.pool.GetPage(e.tableID, e.pagenum)
		if perr != nil {
			return fmt.Errorf("txn: abort fetch page for undo: %w", perr)
		}
		newImage := append([]byte(nil), pg.Data[e.offset:int(e.offset)+len(e.oldImage)]...)
		copy(pg.Data[e.offset:int(e.offset)+len(e.oldImage)], e.oldImage)
		m.pool.SetDirty(pg)

		clr := &wal.Record{
			PrevLSN:     e.prevLSN,
			TrxID:       trxID,
			Type:        wal.TypeCompensate,
			TableID:     e.tableID,
			Pagenum:     e.pagenum,
			Offset:      e.offset,
			Len:         uint16(len(e.oldImage)),
			OldImage:    newImage,
			NewImage:    append([]byte(nil), e.oldImage...),
			NextUndoLSN: e.prevLSN,
		}
		lsn := m.wal.Append(clr)
		pg.SetLSN(lsn)
		m.pool.Unpin(pg)

		m.mu.Lock()
		trx.LastLSN = lsn
		m.mu.Unlock()
	}

	rec := wal.NewRollbackRecord(trxID, trx.LastLSN)
	m.wal.Append(rec)
	if err := m.wal.FlushLog(); err != nil {
		return fmt.Errorf("txn: abort flush: %w", err)
	}

	m.mu.Lock()
	trx.releasing = true
	m.mu.Unlock()

	m.locks.ReleaseAll(trxID)

	m.mu.Lock()
	delete(m.live, trxID)
	m.mu.Unlock()

	m.log.WithField("trx_id", trxID).Debug("txn: abort")
	return nil
}

// IsLive reports whether trxID is currently an active transaction. Used
// by callers (the daemonkv engine, tests) that need to check transaction
// state without going through Commit/Abort's error path.
func (m *Manager) IsLive(trxID int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	trx, ok := m.live[trxID]
	return ok && !trx.releasing
}
