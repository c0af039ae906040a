// Package bufferpool implements the buffer pool (C3): a fixed-capacity
// frame cache keyed by (table_id, pagenum), LRU eviction, and the
// WAL-before-page-write guard.
//
// Grounded on storage_engine/bufferpool/bufferpool.go's FetchPage/
// UnpinPage/FlushPage/evictLRU shape, generalized from its global
// int64 pageID to the spec's per-table (TableID, Pagenum) addressing and
// from its own pin-count mutex to page.Page's pin-is-the-latch design
// (spec §9 Open Question 2, §4.3's "pinning is holding the page latch;
// there is no separate pin count" — realized here as page.Page.Pin/Unpin).
package bufferpool

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"daemonkv/storage/diskmanager"
	"daemonkv/storage/page"
)

// ErrNoFreeFrame is returned when every frame in the pool is pinned and
// none can be evicted to satisfy a miss, per spec §4.3.
var ErrNoFreeFrame = fmt.Errorf("bufferpool: no free frame to evict")

// WALFlusher is the subset of *wal.Manager the pool depends on: flushing
// the log buffer before a dirty page write, per the WAL-ordering invariant
// (spec §4.2/§5). A nil WALFlusher disables the check (used only by tests
// that exercise the pool in isolation).
type WALFlusher interface {
	FlushLog() error
	GetFlushedLSN() uint64
}

type frameKey struct {
	TableID uint32
	Pagenum uint64
}

// Pool is the frame cache for every open table. One Pool exists per
// running engine handle.
type Pool struct {
	mu sync.Mutex

	dm       *diskmanager.Manager
	wal      WALFlusher
	capacity int
	log      *logrus.Logger

	frames  map[frameKey]*page.Page
	lru     *list.List // front = most recently used, back = least
	lruElem map[frameKey]*list.Element
}

// NewPool creates a pool holding at most capacity frames.
func NewPool(capacity int, dm *diskmanager.Manager, wal WALFlusher, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{
		dm:       dm,
		wal:      wal,
		capacity: capacity,
		log:      log,
		frames:   make(map[frameKey]*page.Page),
		lru:      list.New(),
		lruElem:  make(map[frameKey]*list.Element),
	}
}

// GetPage returns a pinned pointer to (tableID, pagenum)'s frame, reading
// through the disk manager on a miss. The caller MUST later call Unpin.
//
// Per spec §4.3: the pool latch guards the lookup/install, then the page
// is pinned (the page latch), then the pool latch is released — callers
// never observe a torn install.
func (p *Pool) GetPage(tableID uint32, pagenum uint64) (*page.Page, error) {
	key := frameKey{tableID, pagenum}

	p.mu.Lock()
	if pg, ok := p.frames[key]; ok {
		p.promoteLocked(key)
		pg.Pin()
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"table_id": tableID, "pagenum": pagenum}).Debug("bufferpool: hit")
		return pg, nil
	}
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{"table_id": tableID, "pagenum": pagenum}).Debug("bufferpool: miss")
	var pg page.Page
	if err := p.dm.ReadPage(tableID, pagenum, &pg); err != nil {
		return nil, err
	}

	p.mu.Lock()
	// Another goroutine may have installed the same key while we read
	// through; prefer its copy so there is only ever one frame per key.
	if existing, ok := p.frames[key]; ok {
		p.promoteLocked(key)
		existing.Pin()
		p.mu.Unlock()
		return existing, nil
	}
	if err := p.installLocked(key, &pg); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	pg.Pin()
	p.mu.Unlock()
	return &pg, nil
}

// installLocked adds pg to the frame map and LRU list, evicting first if
// the pool is at capacity. Caller holds p.mu.
func (p *Pool) installLocked(key frameKey, pg *page.Page) error {
	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return err
		}
	}
	p.frames[key] = pg
	p.lruElem[key] = p.lru.PushFront(key)
	return nil
}

// evictLocked walks the LRU list from the tail, selecting the first frame
// whose latch (pin) is free. A dirty candidate is flushed through the WAL
// first, then written via the disk manager, per spec §4.3's eviction
// policy. Caller holds p.mu.
func (p *Pool) evictLocked() error {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		key := e.Value.(frameKey)
		pg := p.frames[key]
		if pg.Pinned() {
			continue
		}
		if pg.Dirty() {
			if p.wal != nil {
				if err := p.wal.FlushLog(); err != nil {
					return fmt.Errorf("bufferpool: flush log before evict: %w", err)
				}
			}
			if err := p.dm.WritePage(key.TableID, key.Pagenum, pg, false); err != nil {
				return fmt.Errorf("bufferpool: write page during evict: %w", err)
			}
			pg.ClearDirty()
		}
		p.log.WithFields(logrus.Fields{"table_id": key.TableID, "pagenum": key.Pagenum}).Debug("bufferpool: evict")
		delete(p.frames, key)
		delete(p.lruElem, key)
		p.lru.Remove(e)
		return nil
	}
	return ErrNoFreeFrame
}

func (p *Pool) promoteLocked(key frameKey) {
	if e, ok := p.lruElem[key]; ok {
		p.lru.MoveToFront(e)
	}
}

// SetDirty flags pg as modified. The caller must already hold pg's pin.
func (p *Pool) SetDirty(pg *page.Page) {
	pg.MarkDirty()
}

// Unpin releases the caller's pin on pg.
func (p *Pool) Unpin(pg *page.Page) {
	p.mu.Lock()
	pg.Unpin()
	p.mu.Unlock()
}

// AllocPage allocates a fresh page for tableID via the disk manager's free
// list (expanding the file first if it is empty). The returned pagenum's
// contents are undefined beyond the stale free-list link; the caller must
// fetch it through GetPage and initialize it before use.
func (p *Pool) AllocPage(tableID uint32) (uint64, error) {
	pn, err := p.dm.AllocPage(tableID)
	if err != nil {
		return 0, err
	}
	p.log.WithFields(logrus.Fields{"table_id": tableID, "pagenum": pn}).Debug("bufferpool: alloc page")
	return pn, nil
}

// FreePage pushes pagenum onto the table's free list and, if the page is
// currently cached, moves its frame to the LRU tail so it is the first
// candidate evicted (spec §4.3).
func (p *Pool) FreePage(tableID uint32, pagenum uint64) error {
	key := frameKey{tableID, pagenum}
	p.mu.Lock()
	if e, ok := p.lruElem[key]; ok {
		p.lru.MoveToBack(e)
	}
	p.mu.Unlock()
	return p.dm.FreePage(tableID, pagenum)
}

// FlushAllFrames writes every dirty frame to disk and fsyncs every open
// table file. Used at shutdown and to establish an initial durable state.
//
// Per the WAL-ordering invariant (spec §4.2/§5), the log is flushed through
// every dirty frame's page_lsn before any of those frames are written, the
// same guard evictLocked applies to a single frame at a time.
func (p *Pool) FlushAllFrames() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wal != nil {
		if err := p.wal.FlushLog(); err != nil {
			return fmt.Errorf("bufferpool: flush log before flush all: %w", err)
		}
	}
	for key, pg := range p.frames {
		if !pg.Dirty() {
			continue
		}
		if err := p.dm.WritePage(key.TableID, key.Pagenum, pg, false); err != nil {
			return fmt.Errorf("bufferpool: flush all, page %d/%d: %w", key.TableID, key.Pagenum, err)
		}
		pg.ClearDirty()
	}
	return p.dm.FileSyncAll()
}

// Size reports the number of frames currently resident, for tests.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
