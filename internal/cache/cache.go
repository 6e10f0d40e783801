// Package cache implements the hierarchical identity cache. Keys are
// slash-separated paths ("user/42", "subzone/1/2x3") stored as a tree of
// nested segments so that subtrees can be enumerated or invalidated in bulk.
package cache

import (
	"strings"
	"sync"
	"time"
)

// entry is a single cached value with its retention metadata.
type entry struct {
	value      any
	weak       *Handle // non-nil for weak entries
	lastAccess time.Time
}

// node is one path segment in the cache tree. A node may hold an entry,
// children, or both ("user" can hold a count while "user/42" holds a value).
type node struct {
	entry    *entry
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Cache is the identity cache. All access is serialized by an internal
// mutex; callers on scheduled tasks pay no contention in practice.
type Cache struct {
	mu         sync.Mutex
	root       *node
	defaultTTL time.Duration
	now        func() time.Time // test hook
}

// New creates a Cache whose non-weak entries expire defaultTTL after their
// last access when Clean runs.
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		root:       newNode(),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Has reports whether name currently holds a live value.
func (c *Cache) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Get returns the value stored at name. A hit refreshes the entry's last
// access time. Weak entries whose handle has been fully released read as
// missing even before Clean removes them.
func (c *Cache) Get(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lookup(name)
	if n == nil || n.entry == nil {
		return nil, false
	}
	e := n.entry
	if e.weak != nil && e.weak.released() {
		n.entry = nil
		return nil, false
	}
	e.lastAccess = c.now()
	return e.value, true
}

// GetOr returns the value at name, or def when missing.
func (c *Cache) GetOr(name string, def any) any {
	if v, ok := c.Get(name); ok {
		return v
	}
	return def
}

// Set stores a strongly retained value at name.
func (c *Cache) Set(name string, value any) {
	c.set(name, value, nil)
}

// SetWeak stores value at name retained only through h. Once every
// reference to h is released the entry behaves as reclaimed: lookups miss
// and Clean deletes it.
func (c *Cache) SetWeak(name string, value any, h *Handle) {
	c.set(name, value, h)
}

func (c *Cache) set(name string, value any, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.root
	for _, seg := range strings.Split(name, "/") {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	n.entry = &entry{value: value, weak: h, lastAccess: c.now()}
}

// Delete removes the entry at name, leaving any children in place.
func (c *Cache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.lookup(name); n != nil {
		n.entry = nil
	}
}

// Clear drops the entire tree.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = newNode()
}

// Clean walks the tree and removes reclaimed weak entries, non-weak entries
// idle longer than the default TTL, and subtrees left empty. It returns the
// number of entries removed.
func (c *Cache) Clean() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.defaultTTL)
	return cleanNode(c.root, cutoff)
}

func cleanNode(n *node, cutoff time.Time) int {
	removed := 0
	if e := n.entry; e != nil {
		switch {
		case e.weak != nil:
			if e.weak.released() {
				n.entry = nil
				removed++
			}
		case e.lastAccess.Before(cutoff):
			n.entry = nil
			removed++
		}
	}
	for seg, child := range n.children {
		removed += cleanNode(child, cutoff)
		if child.entry == nil && len(child.children) == 0 {
			delete(n.children, seg)
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return countNode(c.root)
}

func countNode(n *node) int {
	total := 0
	if n.entry != nil {
		total++
	}
	for _, child := range n.children {
		total += countNode(child)
	}
	return total
}

// Stats returns entry counts per top-level segment, for maintenance logging.
func (c *Cache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]int, len(c.root.children))
	for seg, child := range c.root.children {
		if n := countNode(child); n > 0 {
			stats[seg] = n
		}
	}
	return stats
}

func (c *Cache) lookup(name string) *node {
	n := c.root
	for _, seg := range strings.Split(name, "/") {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}
