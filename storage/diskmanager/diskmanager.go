// Package diskmanager implements the paged-file layer (C1): one fixed-size,
// header-plus-free-list file per table, addressed by (table_id, pagenum).
//
// Grounded on storage_engine/disk_manager/main.go's FetchPage/WritePage/
// AllocatePage shape, generalized from its global page-ID scheme back to the
// spec's simpler per-table addressing, and on original_source/project6's
// disk_space_manager/file.h for the free-list and doubling semantics.
package diskmanager

import (
	"fmt"
	"os"
	"sync"

	"daemonkv/storage/page"
	"daemonkv/sys"

	"github.com/sirupsen/logrus"
)

// ErrNoSpace is returned by AllocPage only if doubling the file itself
// fails (disk full, permission error, ...); doubling on an in-range file
// never fails for lack of free pages, since it always succeeds in creating
// more.
var ErrNoSpace = fmt.Errorf("diskmanager: no space left to expand table file")

type tableFile struct {
	mu   sync.Mutex
	id   uint32
	path string
	file *os.File
	lock sys.FileLock
}

// Manager owns every open table file and assigns table_ids.
//
// Spec §9 requires disallowing multiple engine handles per file; Manager
// enforces the in-process half of that (OpenTable is idempotent per path)
// and sys.FileLock enforces the cross-process half via flock/LockFileEx.
type Manager struct {
	mu      sync.Mutex
	byPath  map[string]uint32
	tables  map[uint32]*tableFile
	nextID  uint32
	log     *logrus.Logger
}

// NewManager creates an empty table-file manager.
func NewManager(log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		byPath: make(map[string]uint32),
		tables: make(map[uint32]*tableFile),
		nextID: 1,
		log:    log,
	}
}

// OpenTable opens an existing table file or creates one, idempotently per
// path. On create the header page is initialized and the file is expanded
// to page.DefaultFileSize with the trailing pages linked into the free list.
func (m *Manager) OpenTable(path string) (uint32, error) {
	m.mu.Lock()
	if id, ok := m.byPath[path]; ok {
		m.mu.Unlock()
		return id, nil
	}
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("diskmanager: open %s: %w", path, err)
	}

	fl, err := sys.Lock(f)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("diskmanager: %s is already open by another engine handle: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}

	tf := &tableFile{id: id, path: path, file: f, lock: fl}

	m.mu.Lock()
	m.byPath[path] = id
	m.tables[id] = tf
	m.mu.Unlock()

	if stat.Size() == 0 {
		if err := m.initNewFile(tf); err != nil {
			return 0, err
		}
		m.log.WithFields(logrus.Fields{"table_id": id, "path": path}).Info("diskmanager: created table file")
	} else {
		m.log.WithFields(logrus.Fields{"table_id": id, "path": path}).Info("diskmanager: reopened table file")
	}

	return id, nil
}

func (m *Manager) get(tableID uint32) (*tableFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tf, ok := m.tables[tableID]
	if !ok {
		return nil, fmt.Errorf("diskmanager: table %d not open", tableID)
	}
	return tf, nil
}

func (m *Manager) initNewFile(tf *tableFile) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	hdr := HeaderPage{FirstFreePage: page.NullPagenum, NumOfPages: 1, RootPageNum: page.NullPagenum}
	if err := m.writeHeaderLocked(tf, hdr, true); err != nil {
		return err
	}

	totalPages := uint64(page.DefaultFileSize / page.Size)
	if _, _, _, err := m.expandToLocked(tf, &hdr, totalPages); err != nil {
		return err
	}
	return m.writeHeaderLocked(tf, hdr, true)
}

// ReadHeaderPage returns the decoded header page for a table.
func (m *Manager) ReadHeaderPage(tableID uint32) (HeaderPage, error) {
	tf, err := m.get(tableID)
	if err != nil {
		return HeaderPage{}, err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return m.readHeaderLocked(tf)
}

func (m *Manager) readHeaderLocked(tf *tableFile) (HeaderPage, error) {
	var buf page.Page
	if err := m.readRawLocked(tf, page.HeaderPagenum, &buf); err != nil {
		return HeaderPage{}, err
	}
	return decodeHeaderPage(&buf), nil
}

// WriteHeaderPage persists the header page for a table.
func (m *Manager) WriteHeaderPage(tableID uint32, hdr HeaderPage, sync bool) error {
	tf, err := m.get(tableID)
	if err != nil {
		return err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return m.writeHeaderLocked(tf, hdr, sync)
}

func (m *Manager) writeHeaderLocked(tf *tableFile, hdr HeaderPage, doSync bool) error {
	var buf page.Page
	encodeHeaderPage(hdr, &buf)
	return m.writeRawLocked(tf, page.HeaderPagenum, &buf, doSync)
}

// ReadPage reads pagenum's bytes into dest.
func (m *Manager) ReadPage(tableID uint32, pagenum uint64, dest *page.Page) error {
	tf, err := m.get(tableID)
	if err != nil {
		return err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return m.readRawLocked(tf, pagenum, dest)
}

// WritePage writes src's bytes to pagenum, optionally fsync'ing.
func (m *Manager) WritePage(tableID uint32, pagenum uint64, src *page.Page, sync bool) error {
	tf, err := m.get(tableID)
	if err != nil {
		return err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return m.writeRawLocked(tf, pagenum, src, sync)
}

func (m *Manager) readRawLocked(tf *tableFile, pagenum uint64, dest *page.Page) error {
	offset := int64(pagenum) * page.Size
	n, err := tf.file.ReadAt(dest.Data[:], offset)
	if err != nil && n == 0 {
		return fmt.Errorf("diskmanager: read page %d of table %d: %w", pagenum, tf.id, err)
	}
	for i := n; i < page.Size; i++ {
		dest.Data[i] = 0
	}
	dest.TableID = tf.id
	dest.Pagenum = pagenum
	return nil
}

func (m *Manager) writeRawLocked(tf *tableFile, pagenum uint64, src *page.Page, doSync bool) error {
	offset := int64(pagenum) * page.Size
	if _, err := tf.file.WriteAt(src.Data[:], offset); err != nil {
		return fmt.Errorf("diskmanager: write page %d of table %d: %w", pagenum, tf.id, err)
	}
	if doSync {
		if err := tf.file.Sync(); err != nil {
			return fmt.Errorf("diskmanager: fsync table %d: %w", tf.id, err)
		}
	}
	return nil
}

// AllocPage pops the head of the free list, expanding (doubling) the file
// first if the list is empty. The returned page's contents are undefined
// beyond the first 8 bytes (stale next_free_page link) — callers must
// initialize it before use, per spec §4.1.
func (m *Manager) AllocPage(tableID uint32) (uint64, error) {
	tf, err := m.get(tableID)
	if err != nil {
		return 0, err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()

	hdr, err := m.readHeaderLocked(tf)
	if err != nil {
		return 0, err
	}

	if hdr.FirstFreePage == page.NullPagenum {
		if _, _, _, err := m.expandDoubleLocked(tf, &hdr); err != nil {
			return 0, err
		}
		if err := m.writeHeaderLocked(tf, hdr, false); err != nil {
			return 0, err
		}
	}

	var free page.Page
	if err := m.readRawLocked(tf, hdr.FirstFreePage, &free); err != nil {
		return 0, err
	}
	allocated := hdr.FirstFreePage
	hdr.FirstFreePage = freePageNext(&free)
	if err := m.writeHeaderLocked(tf, hdr, false); err != nil {
		return 0, err
	}

	m.log.WithFields(logrus.Fields{"table_id": tableID, "pagenum": allocated}).Debug("diskmanager: alloc page")
	return allocated, nil
}

// FreePage pushes pagenum onto the head of the free list. No zeroing.
func (m *Manager) FreePage(tableID uint32, pagenum uint64) error {
	tf, err := m.get(tableID)
	if err != nil {
		return err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()

	hdr, err := m.readHeaderLocked(tf)
	if err != nil {
		return err
	}

	var freed page.Page
	setFreePageNext(&freed, hdr.FirstFreePage)
	if err := m.writeRawLocked(tf, pagenum, &freed, false); err != nil {
		return err
	}
	hdr.FirstFreePage = pagenum
	if err := m.writeHeaderLocked(tf, hdr, false); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{"table_id": tableID, "pagenum": pagenum}).Debug("diskmanager: free page")
	return nil
}

// FileExpandTwice doubles the table file's page count and links the new
// pages into the free list, returning the new pages' [start, end] range
// (inclusive) and count. Exposed for callers (the buffer pool) that need to
// thread freshly allocated pages through themselves, per spec §4.1.
func (m *Manager) FileExpandTwice(tableID uint32) (start, end, numNew uint64, err error) {
	tf, err := m.get(tableID)
	if err != nil {
		return 0, 0, 0, err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()

	hdr, err := m.readHeaderLocked(tf)
	if err != nil {
		return 0, 0, 0, err
	}
	start, end, numNew, err = m.expandDoubleLocked(tf, &hdr)
	if err != nil {
		return 0, 0, 0, err
	}
	return start, end, numNew, m.writeHeaderLocked(tf, hdr, false)
}

func (m *Manager) expandDoubleLocked(tf *tableFile, hdr *HeaderPage) (start, end, numNew uint64, err error) {
	newTotal := hdr.NumOfPages * 2
	if newTotal == 0 {
		newTotal = 2
	}
	return m.expandToLocked(tf, hdr, newTotal)
}

// expandToLocked grows the file to newTotal pages and links pages
// [hdr.NumOfPages, newTotal) onto the head of the free list.
func (m *Manager) expandToLocked(tf *tableFile, hdr *HeaderPage, newTotal uint64) (start, end, numNew uint64, err error) {
	start = hdr.NumOfPages
	if newTotal <= start {
		return start, start, 0, nil
	}
	end = newTotal - 1
	numNew = newTotal - start

	// Link new pages head-to-tail, each pointing at the next one up and the
	// highest-numbered new page pointing at the previous free-list head, so
	// FirstFreePage can simply become `start`.
	next := hdr.FirstFreePage
	for pn := end; ; pn-- {
		var fp page.Page
		setFreePageNext(&fp, next)
		if err := m.writeRawLocked(tf, pn, &fp, false); err != nil {
			return 0, 0, 0, ErrNoSpace
		}
		next = pn
		if pn == start {
			break
		}
	}

	hdr.FirstFreePage = start
	hdr.NumOfPages = newTotal

	m.log.WithFields(logrus.Fields{"table_id": tf.id, "start": start, "end": end, "num_new": numNew}).
		Info("diskmanager: expanded table file")
	return start, end, numNew, nil
}

// FileSize returns the current total size in bytes of a table's file.
func (m *Manager) FileSize(tableID uint32) (uint64, error) {
	hdr, err := m.ReadHeaderPage(tableID)
	if err != nil {
		return 0, err
	}
	return hdr.NumOfPages * page.Size, nil
}

// Sync fsyncs a specific table's file.
func (m *Manager) Sync(tableID uint32) error {
	tf, err := m.get(tableID)
	if err != nil {
		return err
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.file.Sync()
}

// FileSyncAll fsyncs every open table file.
func (m *Manager) FileSyncAll() error {
	m.mu.Lock()
	tables := make([]*tableFile, 0, len(m.tables))
	for _, tf := range m.tables {
		tables = append(tables, tf)
	}
	m.mu.Unlock()

	for _, tf := range tables {
		tf.mu.Lock()
		err := tf.file.Sync()
		tf.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes every open table file, releasing the advisory lock.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, tf := range m.tables {
		tf.mu.Lock()
		if err := tf.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		sys.Unlock(tf.lock)
		if err := tf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		tf.mu.Unlock()
		delete(m.tables, id)
	}
	m.byPath = make(map[string]uint32)
	return firstErr
}
