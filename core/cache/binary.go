// Package cache implements the two bounded, non-durable caches used by the
// transport: BinaryCache (LRU, keyed by a short dedup key) for outgoing
// replay suppression, and FifoCache for the incoming frame queue.
package cache

import (
	"container/list"
	"sync"
)

type binaryEntry struct {
	key   string
	value []byte
}

// BinaryCache is a thread-safe, fixed-capacity LRU map from a short byte
// key to a byte value.
type BinaryCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

// NewBinaryCache constructs a BinaryCache holding at most capacity entries.
func NewBinaryCache(capacity int) *BinaryCache {
	return &BinaryCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// TryGet returns the value for key and promotes it to most-recently-used.
func (c *BinaryCache) TryGet(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[string(key)]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*binaryEntry).value, true
}

// Put inserts or updates key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *BinaryCache) Put(key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if el, ok := c.index[k]; ok {
		el.Value.(*binaryEntry).value = value
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&binaryEntry{key: k, value: value})
	c.index[k] = el

	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*binaryEntry).key)
		}
	}
}

// Len returns the current number of cached entries.
func (c *BinaryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
