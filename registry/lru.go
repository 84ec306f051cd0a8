package registry

import (
	"container/list"

	"github.com/inquestlabs/inquest/runner"
)

// cacheKey identifies one cached runner: the agent name plus the content
// hash of the configuration it was built from. A config change produces a
// new hash and therefore a clean rebuild; stale runners age out via LRU.
type cacheKey struct {
	agent string
	hash  string
}

type cacheEntry struct {
	key    cacheKey
	runner *runner.Runner
}

// lruCache is a fixed-capacity least-recently-used cache. The list keeps the
// most recently used entry at the back. Not safe for concurrent use; the
// Registry serializes access under its own mutex.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element, capacity),
	}
}

// get returns the cached runner for key, marking it most recently used.
func (c *lruCache) get(key cacheKey) (*runner.Runner, bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToBack(elem)
	return elem.Value.(*cacheEntry).runner, true
}

// add inserts a runner for key, evicting the least recently used entry when
// at capacity. Returns whether an eviction happened.
func (c *lruCache) add(key cacheKey, r *runner.Runner) bool {
	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).runner = r
		c.ll.MoveToBack(elem)
		return false
	}

	evicted := false
	if c.ll.Len() >= c.capacity {
		oldest := c.ll.Front()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
			evicted = true
		}
	}
	c.items[key] = c.ll.PushBack(&cacheEntry{key: key, runner: r})
	return evicted
}

func (c *lruCache) len() int { return c.ll.Len() }

func (c *lruCache) contains(key cacheKey) bool {
	_, ok := c.items[key]
	return ok
}
