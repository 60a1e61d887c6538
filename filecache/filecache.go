// Package filecache implements a bounded file descriptor cache: an
// LRU-evicted pool of open directory descriptors, sized from
// RLIMIT_NOFILE, with pinned entries exempt from eviction and a pressure
// signal callers can use to fall back to absolute-path opens instead of
// walking a parent-fd chain.
//
// Grounded on the container/list-based lruCache in
// backend/netexplorer/netexplorer.go: a doubly linked list for
// recency order plus a map for O(1) lookup, both behind one mutex.
package filecache

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Closer is whatever releases the cached resource (typically
// unix.Close on a directory fd, or an *os.File's Close method).
type Closer func() error

type entry struct {
	key    string
	fd     int
	close  Closer
	pinned bool
}

// Cache is a bounded, LRU-evicted map from key to open file descriptor.
// The zero value is not usable; use New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

// New creates a cache that holds at most capacity unpinned entries
// before evicting the least recently used one on every Put that would
// exceed it. capacity <= 0 means unbounded (eviction never triggers).
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// DefaultCapacity derives a soft cap from RLIMIT_NOFILE, reserving
// reserve descriptors for everything else the process has open
// (stdio, the ioq worker pool's own sockets/pipes, a consumer's output
// file). Exceeding the real hard limit is a resource exhaustion error,
// not something this cache should court by sizing itself right up to
// the edge.
func DefaultCapacity(reserve int) (int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("filecache: getrlimit: %w", err)
	}
	soft := int(rlim.Cur) - reserve
	if soft < 1 {
		soft = 1
	}
	return soft, nil
}

// Get returns the fd cached under key, if any, and marks it most
// recently used.
func (c *Cache) Get(key string) (fd int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).fd, true
}

// Put inserts fd under key, evicting the least recently used unpinned
// entry (calling its Closer) if the cache is now over capacity. It
// reports whether an eviction occurred.
func (c *Cache) Put(key string, fd int, close Closer) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).fd = fd
		el.Value.(*entry).close = close
		return false
	}

	el := c.ll.PushFront(&entry{key: key, fd: fd, close: close})
	c.items[key] = el

	if c.capacity <= 0 {
		return false
	}
	unpinned := 0
	for e := c.ll.Front(); e != nil; e = e.Next() {
		if !e.Value.(*entry).pinned {
			unpinned++
		}
	}
	if unpinned <= c.capacity {
		return false
	}
	return c.evictOne()
}

// evictOne removes the least recently used unpinned entry. Must be
// called with c.mu held.
func (c *Cache) evictOne() bool {
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.pinned {
			continue
		}
		c.ll.Remove(el)
		delete(c.items, e.key)
		if e.close != nil {
			_ = e.close()
		}
		return true
	}
	return false
}

// Pin exempts key's entry from eviction (e.g. while some in-flight job
// still needs its fd for relative opens). Pin is a no-op if key isn't
// cached.
func (c *Cache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).pinned = true
	}
}

// Unpin makes key's entry eligible for eviction again.
func (c *Cache) Unpin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).pinned = false
	}
}

// Remove evicts key's entry unconditionally (even if pinned), closing
// its fd. Used when a directory is fully drained and its handle is
// being closed anyway, rather than waiting for LRU pressure to get to it.
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	if e.close != nil {
		return e.close()
	}
	return nil
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Pressure reports whether the cache is at capacity with nothing left
// to evict (every entry pinned): callers should fall back to an
// absolute-path open rather than depend on this cache to hold a parent
// fd open for them.
func (c *Cache) Pressure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity <= 0 || c.ll.Len() < c.capacity {
		return false
	}
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if !el.Value.(*entry).pinned {
			return false
		}
	}
	return true
}

// Close evicts and closes every entry, pinned or not.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.close != nil {
			if err := e.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	return firstErr
}
