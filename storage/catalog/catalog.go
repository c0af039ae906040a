// Package catalog maps table file paths to the table_ids open_table hands
// out, backed by diskmanager.Manager.OpenTable and fronted by a ristretto
// admission-counted cache.
//
// Grounded on storage_engine/catalog's CatalogManager — a name-to-id
// registry persisted and re-looked-up on demand — generalized from its
// JSON-schema/heap-file bookkeeping down to the spec's single
// responsibility: "open_table(pathname) → table_id", with repeat opens of
// the same path served from cache instead of re-walking the disk
// manager's table list.
package catalog

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"daemonkv/storage/diskmanager"
)

// Catalog is the path → table_id registry for one running engine.
type Catalog struct {
	mu sync.Mutex
	dm *diskmanager.Manager

	byPath map[string]uint32
	cache  *ristretto.Cache[string, uint32]

	log *logrus.Logger
}

// New creates a Catalog over dm. cacheCapacity bounds the ristretto
// cache's counted entries (the byPath map itself is unbounded and
// authoritative; the cache only saves a mutex round-trip on repeat opens).
func New(dm *diskmanager.Manager, cacheCapacity int64, log *logrus.Logger) (*Catalog, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, uint32]{
		NumCounters: cacheCapacity * 10,
		MaxCost:     cacheCapacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Catalog{
		dm:     dm,
		byPath: make(map[string]uint32),
		cache:  cache,
		log:    log,
	}, nil
}

// Open returns path's table_id, opening it through the disk manager on
// the first call. Later calls for the same path are served from the cache
// when it holds the entry, and from the byPath map otherwise.
func (c *Catalog) Open(path string) (uint32, error) {
	if id, ok := c.cache.Get(path); ok {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byPath[path]; ok {
		c.cache.Set(path, id, 1)
		return id, nil
	}

	id, err := c.dm.OpenTable(path)
	if err != nil {
		return 0, err
	}
	c.byPath[path] = id
	c.cache.Set(path, id, 1)
	c.log.WithFields(logrus.Fields{"path": path, "table_id": id}).Info("catalog: opened table")
	return id, nil
}

// Close releases the cache's background goroutines. Call at shutdown.
func (c *Catalog) Close() {
	c.cache.Close()
}
