// Package cache implements the bounded LRU prefix cache that accelerates
// the "fetch the head of a hot file" download path.
//
// The cache stores, per filename, a byte prefix capped at a configured size.
// It is a pure in-memory structure: it never touches disk and knows nothing
// about the registry or the reactor that consult it. The list is an
// intrusive doubly-linked list keyed by filename, modeled after the
// teacher's memory cache implementations but adapted to hold byte prefixes
// rather than full content blocks.
package cache

import "sync"

// node is one entry in the LRU list. It is both the hash-table value and
// the linked-list node, mirroring the source's intrusive design without
// the raw back-pointers: the map supplies lookup, the prev/next pointers
// supply ordering.
type node struct {
	name   string
	prefix []byte
	prev   *node
	next   *node
}

// PrefixCache is a fixed-capacity LRU cache mapping filename to a byte
// prefix. All operations are O(1) and guarded by a single mutex.
type PrefixCache struct {
	mu       sync.Mutex
	capacity int
	maxBytes int
	index    map[string]*node
	head     *node // sentinel; head.next is most-recently-used
	tail     *node // sentinel; tail.prev is least-recently-used
}

// New creates a PrefixCache holding at most capacity entries, each prefix
// truncated to at most maxBytes.
func New(capacity int, maxBytes int) *PrefixCache {
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	return &PrefixCache{
		capacity: capacity,
		maxBytes: maxBytes,
		index:    make(map[string]*node, capacity),
		head:     head,
		tail:     tail,
	}
}

// Get returns the cached prefix for name and marks it most-recently-used.
// The returned slice is a copy; callers may not mutate the cache's bytes.
func (c *PrefixCache) Get(name string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[name]
	if !ok {
		return nil, false
	}

	c.moveToFront(n)

	out := make([]byte, len(n.prefix))
	copy(out, n.prefix)
	return out, true
}

// Put installs or promotes the prefix for name, truncating data to maxBytes.
// Putting an already-present key promotes it without replacing its bytes,
// since the only caller ever supplies the same first-chunk content for a
// given committed file.
func (c *PrefixCache) Put(name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.index[name]; ok {
		c.moveToFront(n)
		return
	}

	if len(data) > c.maxBytes {
		data = data[:c.maxBytes]
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	n := &node{name: name, prefix: stored}
	c.index[name] = n
	c.pushFront(n)

	if len(c.index) > c.capacity {
		c.evictOldest()
	}
}

// Remove unlinks name from the cache, if present.
func (c *PrefixCache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.index[name]
	if !ok {
		return
	}
	c.unlink(n)
	delete(c.index, name)
}

// Len returns the number of cached entries.
func (c *PrefixCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *PrefixCache) pushFront(n *node) {
	n.prev = c.head
	n.next = c.head.next
	c.head.next.prev = n
	c.head.next = n
}

func (c *PrefixCache) unlink(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *PrefixCache) moveToFront(n *node) {
	if c.head.next == n {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}

func (c *PrefixCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.unlink(oldest)
	delete(c.index, oldest.name)
}
