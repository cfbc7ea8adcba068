// Package noncecache implements a bounded FIFO set of recently seen nonces,
// used for replay protection by the signaling validator and the pairing
// nonce cache. All operations are safe for concurrent use.
package noncecache

import (
	"container/list"
	"sync"
)

const defaultCapacity = 100

// Cache is a thread-safe, fixed-capacity, FIFO-evicting set of nonces.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// New creates a Cache with the given capacity. capacity <= 0 uses the
// default of 100, matching the signaling validator's nonce cache.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// CheckAndAdd atomically checks whether nonce has been seen and, if not,
// inserts it, evicting the oldest entry if the cache is at capacity.
// Returns true if the nonce is new, false if it is a replay.
func (c *Cache) CheckAndAdd(nonce []byte) bool {
	key := string(nonce)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.index[key]; seen {
		return false
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}

	c.index[key] = c.order.PushBack(key)
	return true
}

// HasSeen reports whether nonce is already present, without mutating state.
func (c *Cache) HasSeen(nonce []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, seen := c.index[string(nonce)]
	return seen
}

// Clear empties the cache. Used for secret hygiene on pairing-session
// cleanup.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
}

// Len returns the current number of tracked nonces.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
