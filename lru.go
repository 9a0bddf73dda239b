package archivist

import (
	"container/list"
	"sync"
)

// lruCache is a thread-safe LRU cache.
type lruCache[K comparable, V any] struct {
	capacity int
	items    map[K]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// newLRUCache creates an LRU cache holding at most capacity entries.
// When full, the least recently accessed entry is evicted.
func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	if capacity <= 0 {
		capacity = 4096
	}
	return &lruCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value and marks it recently used.
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Put stores a value, evicting the oldest entry if the cache is full.
func (c *lruCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			delete(c.items, back.Value.(*lruEntry[K, V]).key)
			c.order.Remove(back)
		}
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// Delete removes a key.
func (c *lruCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}

// Len returns the current number of entries.
func (c *lruCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
