package cache

import (
	"container/list"
	"sync"
)

// Bounded is a fixed-capacity cache with FIFO eviction. Reads never change
// an entry's position, and updating an existing key keeps its original
// insertion slot. When the cache is full, inserting a new key evicts the
// oldest-inserted key first.
type Bounded[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front is oldest
	items    map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a Bounded cache. Capacities below 1 are clamped to 1.
func New[K comparable, V any](capacity int) *Bounded[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*entry[K, V]).value, true
}

// Put inserts or updates key. It returns the evicted key, if any.
func (c *Bounded[K, V]) Put(key K, value V) (evicted K, didEvict bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		return evicted, false
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		e := oldest.Value.(*entry[K, V])
		c.order.Remove(oldest)
		delete(c.items, e.key)
		evicted, didEvict = e.key, true
	}

	c.items[key] = c.order.PushBack(&entry[K, V]{key: key, value: value})
	return evicted, didEvict
}

// Delete removes key and reports whether it was present.
func (c *Bounded[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

func (c *Bounded[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

func (c *Bounded[K, V]) Cap() int {
	return c.capacity
}

func (c *Bounded[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
}

// Keys returns the keys in insertion order, oldest first.
func (c *Bounded[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}
