package wal

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"daemonkv/storage/diskmanager"
	"daemonkv/storage/page"
)

// Manager owns the log buffer, the log file, and the LSN counter. One
// Manager exists per running engine handle (spec §9's "no multiple engine
// handles per file"). Grounded on storage_engine/wal_manager/wal_segment.go
// for the file-handling shape; the single-file, guard-terminated framing
// and the recovery algorithm itself come from
// original_source/project6/db_project/db/src/recovery.cc.
type Manager struct {
	mu  sync.Mutex
	buf []byte

	nextLSN       uint64
	lastPushedLSN uint64
	flushedLSN    uint64

	logFile   *os.File
	endOffset int64 // end of durable record bytes, not counting the guard

	log *logrus.Logger
}

// Open opens (or creates) the log file at logPath and seeds the LSN counter
// from the highest LSN found on disk, per spec §4.2's
// `init_recovery`/`max_lsn_on_disk + 1` rule. It does not run recovery;
// call Recover separately once the caller has opened every table the log
// might reference.
func Open(logPath string, log *logrus.Logger) (*Manager, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", logPath, err)
	}
	m := &Manager{logFile: f, log: log}
	recs, err := m.readAllRecords()
	if err != nil {
		f.Close()
		return nil, err
	}
	var maxLSN uint64
	for _, r := range recs {
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
	}
	m.nextLSN = maxLSN + 1
	m.lastPushedLSN = maxLSN
	m.flushedLSN = maxLSN
	if log != nil {
		log.WithFields(logrus.Fields{"log_path": logPath, "next_lsn": m.nextLSN, "records_on_disk": len(recs)}).Info("wal opened")
	}
	return m, nil
}

// Close flushes and closes the underlying log file.
func (m *Manager) Close() error {
	if err := m.FlushLog(); err != nil {
		return err
	}
	return m.logFile.Close()
}

// GetFlushedLSN reports the highest LSN durably on disk. It is part of
// storage/bufferpool's WALFlusher interface; the pool itself enforces the
// WAL-before-page-write invariant by calling FlushLog.
func (m *Manager) GetFlushedLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLSN
}

// Append assigns rec a fresh LSN, appends its encoded bytes to the
// in-memory log buffer, and returns the assigned LSN. The caller is
// responsible for stamping the owning transaction's last_lsn and the
// touched page's page_lsn with the returned value, matching
// create_log/create_log_update's contract in the original source.
func (m *Manager) Append(rec *Record) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.LSN = m.nextLSN
	m.nextLSN++
	b := make([]byte, rec.Size())
	rec.Encode(b)
	m.buf = append(m.buf, b...)
	m.lastPushedLSN = rec.LSN
	return rec.LSN
}

// FlushLog writes the buffered bytes to the log file, fsyncs, and appends
// the 4-byte zero guard that makes the file self-terminating for forward
// scans (spec §4.2/§6). It is idempotent and safe to call with an empty
// buffer.
func (m *Manager) FlushLog() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLogLocked()
}

func (m *Manager) flushLogLocked() error {
	if len(m.buf) > 0 {
		if _, err := m.logFile.WriteAt(m.buf, m.endOffset); err != nil {
			return fmt.Errorf("wal: write: %w", err)
		}
		m.endOffset += int64(len(m.buf))
		m.flushedLSN = m.lastPushedLSN
		m.buf = m.buf[:0]
	}
	var guard [4]byte
	if _, err := m.logFile.WriteAt(guard[:], m.endOffset); err != nil {
		return fmt.Errorf("wal: write guard: %w", err)
	}
	if err := m.logFile.Truncate(m.endOffset + 4); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if err := m.logFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	if m.log != nil {
		m.log.WithField("flushed_lsn", m.flushedLSN).Debug("wal flush")
	}
	return nil
}

// readAllRecords scans the log file from the start, decoding records until
// it hits the zero guard, a short/torn trailing record (an unflushed
// append interrupted by a crash), or EOF. It also sets m.endOffset to the
// byte offset immediately after the last fully-decoded record.
func (m *Manager) readAllRecords() ([]Record, error) {
	if _, err := m.logFile.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(m.logFile)
	if err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}
	var recs []Record
	off := 0
	for off+4 <= len(data) {
		logSize := binary.LittleEndian.Uint32(data[off : off+4])
		if logSize == 0 {
			break
		}
		end := off + int(logSize)
		if end > len(data) || logSize < fixedPrefixSize {
			break // torn tail record from an interrupted append
		}
		_, rec := decodeFixedPrefix(data[off : off+fixedPrefixSize])
		decodeRest(&rec, data[off+fixedPrefixSize:end])
		recs = append(recs, rec)
		off = end
	}
	m.endOffset = int64(off)
	return recs, nil
}

func typeName(t int32) string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeCommit:
		return "COMMIT"
	case TypeRollback:
		return "ROLLBACK"
	case TypeUpdate:
		return "UPDATE"
	case TypeCompensate:
		return "CLR"
	default:
		return "UNKNOWN"
	}
}

// logmsgWriter appends the operator-audit trace lines recovery is required
// to produce (spec §6's `logmsg` file).
type logmsgWriter struct {
	f *os.File
}

func openLogmsg(path string) (*logmsgWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open logmsg %s: %w", path, err)
	}
	return &logmsgWriter{f: f}, nil
}

func (w *logmsgWriter) line(format string, args ...any) error {
	_, err := fmt.Fprintf(w.f, format+"\n", args...)
	return err
}

func (w *logmsgWriter) close() error { return w.f.Close() }

// lsnHeap is a max-heap of LSNs, used by the undo pass to always process
// the highest-LSN outstanding loser record next, per spec §4.2's
// "priority queue of losers' last_lsn, iterate descending".
type lsnHeap []uint64

func (h lsnHeap) Len() int            { return len(h) }
func (h lsnHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h lsnHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lsnHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *lsnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Recover runs the three ARIES passes against the records already on disk.
// dm must already have every table the log references opened. It is fatal
// (and returns an error) on any I/O failure, per spec §4.2's "the engine
// must refuse to serve requests" rule.
func (m *Manager) Recover(dm *diskmanager.Manager, logmsgPath string) error {
	recs, err := m.readAllRecords()
	if err != nil {
		return err
	}
	lm, err := openLogmsg(logmsgPath)
	if err != nil {
		return err
	}
	defer lm.close()

	byLSN := make(map[uint64]Record, len(recs))
	for _, r := range recs {
		byLSN[r.LSN] = r
	}

	// --- Analysis ---
	if err := lm.line("[ANALYSIS] Analysis pass start"); err != nil {
		return err
	}
	winners := map[int32]bool{}
	losers := map[int32]uint64{} // trx id -> last lsn seen for that trx
	for _, r := range recs {
		switch r.Type {
		case TypeCommit, TypeRollback:
			winners[r.TrxID] = true
			delete(losers, r.TrxID)
		default:
			if !winners[r.TrxID] {
				losers[r.TrxID] = r.LSN
			}
		}
	}
	if err := lm.line("[ANALYSIS] Analysis success. Winner: %s, Loser: %s", idSetString(winners), lastLSNSetString(losers)); err != nil {
		return err
	}

	// --- Redo ---
	if err := lm.line("[REDO] Redo pass start"); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Type != TypeUpdate && r.Type != TypeCompensate {
			if err := lm.line("LSN %d [%s] Transaction id %d", r.LSN, typeName(r.Type), r.TrxID); err != nil {
				return err
			}
			continue
		}
		if r.Type == TypeCompensate {
			if err := lm.line("LSN %d [CLR] next undo lsn %d", r.LSN, r.NextUndoLSN); err != nil {
				return err
			}
		}
		var pg page.Page
		if err := dm.ReadPage(r.TableID, r.Pagenum, &pg); err != nil {
			return fmt.Errorf("wal: redo read page: %w", err)
		}
		if pg.LSN() < r.LSN {
			copy(pg.Data[r.Offset:int(r.Offset)+int(r.Len)], r.NewImage)
			pg.SetLSN(r.LSN)
			if err := dm.WritePage(r.TableID, r.Pagenum, &pg, false); err != nil {
				return fmt.Errorf("wal: redo write page: %w", err)
			}
			if r.Type == TypeUpdate {
				if err := lm.line("LSN %d [UPDATE] Transaction id %d redo apply", r.LSN, r.TrxID); err != nil {
					return err
				}
			}
		} else if r.Type == TypeUpdate {
			if err := lm.line("LSN %d [CONSIDER-REDO] Transaction id %d", r.LSN, r.TrxID); err != nil {
				return err
			}
		}
	}
	if err := lm.line("[REDO] Redo pass end"); err != nil {
		return err
	}
	if err := dm.FileSyncAll(); err != nil {
		return err
	}

	// --- Undo ---
	if err := lm.line("[UNDO] Undo pass start"); err != nil {
		return err
	}
	h := &lsnHeap{}
	heap.Init(h)
	recLastLSN := map[int32]uint64{}
	for trxID, lastLSN := range losers {
		heap.Push(h, lastLSN)
		recLastLSN[trxID] = lastLSN
	}
	for h.Len() > 0 {
		lsn := heap.Pop(h).(uint64)
		r, ok := byLSN[lsn]
		if !ok {
			continue
		}
		switch r.Type {
		case TypeBegin:
			rb := &Record{PrevLSN: recLastLSN[r.TrxID], TrxID: r.TrxID, Type: TypeRollback}
			newLSN := m.Append(rb)
			recLastLSN[r.TrxID] = newLSN
			if err := lm.line("LSN %d [ROLLBACK] Transaction id %d", newLSN, r.TrxID); err != nil {
				return err
			}
			delete(losers, r.TrxID)
		case TypeUpdate:
			clr := &Record{
				PrevLSN:     recLastLSN[r.TrxID],
				TrxID:       r.TrxID,
				Type:        TypeCompensate,
				TableID:     r.TableID,
				Pagenum:     r.Pagenum,
				Offset:      r.Offset,
				Len:         r.Len,
				OldImage:    r.NewImage,
				NewImage:    r.OldImage,
				NextUndoLSN: r.PrevLSN,
			}
			newLSN := m.Append(clr)
			recLastLSN[r.TrxID] = newLSN

			var pg page.Page
			if err := dm.ReadPage(r.TableID, r.Pagenum, &pg); err != nil {
				return fmt.Errorf("wal: undo read page: %w", err)
			}
			copy(pg.Data[r.Offset:int(r.Offset)+int(r.Len)], r.OldImage)
			pg.SetLSN(newLSN)
			if err := dm.WritePage(r.TableID, r.Pagenum, &pg, false); err != nil {
				return fmt.Errorf("wal: undo write page: %w", err)
			}
			if err := lm.line("LSN %d [UPDATE] Transaction id %d undo apply", r.LSN, r.TrxID); err != nil {
				return err
			}
			heap.Push(h, r.PrevLSN)
		case TypeCompensate:
			heap.Push(h, r.NextUndoLSN)
		}
	}
	if err := lm.line("[UNDO] Undo pass end"); err != nil {
		return err
	}
	if err := m.FlushLog(); err != nil {
		return err
	}
	return dm.FileSyncAll()
}

func idSetString(m map[int32]bool) string {
	s := "["
	first := true
	for id := range m {
		if !first {
			s += ", "
		}
		s += fmt.Sprintf("%d", id)
		first = false
	}
	return s + "]"
}

func lastLSNSetString(m map[int32]uint64) string {
	s := "["
	first := true
	for id := range m {
		if !first {
			s += ", "
		}
		s += fmt.Sprintf("%d", id)
		first = false
	}
	return s + "]"
}
