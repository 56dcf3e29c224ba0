package engine

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"graphengine/graph"
	"graphengine/store"
)

// DefaultCacheSize is the number of decoded graphs kept in memory.
const DefaultCacheSize = 16

// snapshot is a decoded graph and the ETag of the blob it came from.
// dirty snapshots hold mutations not yet written to the store.
type snapshot struct {
	etag  store.ETag
	graph *graph.Map
	dirty bool
}

// snapshotCache keeps decoded graphs by path. Dirty snapshots are pinned
// outside the LRU so eviction never loses unwritten changes.
type snapshotCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	pinned map[string]*snapshot
}

func newSnapshotCache(size int) *snapshotCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &snapshotCache{
		lru:    lru.New(size),
		pinned: make(map[string]*snapshot),
	}
}

func (c *snapshotCache) get(path string) (*snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.pinned[path]; ok {
		return s, true
	}
	v, ok := c.lru.Get(path)
	if !ok {
		return nil, false
	}
	return v.(*snapshot), true
}

func (c *snapshotCache) put(path string, s *snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.dirty {
		c.lru.Remove(path)
		c.pinned[path] = s
		return
	}
	delete(c.pinned, path)
	c.lru.Add(path, s)
}

func (c *snapshotCache) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, path)
	c.lru.Remove(path)
}

// dirtyPaths returns the paths holding unwritten changes.
func (c *snapshotCache) dirtyPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pinned))
	for p := range c.pinned {
		out = append(out, p)
	}
	return out
}
