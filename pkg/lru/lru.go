// Package lru implements a Least Recently Used (LRU) cache with optional
// time-to-live expiry.
//
// An LRU cache evicts the least recently accessed item when at capacity.
// Entries written with a non-zero TTL are also dropped once they are older
// than the TTL, which bounds staleness as well as size.
//
// Features:
//   - O(1) Get, Put and Delete (amortized)
//   - Generic types for key and value
//   - Ordered iteration for callers that scan the whole cache
//   - Injectable clock for deterministic tests
//
// Thread Safety: All methods are safe for concurrent access.
package lru

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a generic LRU cache with optional TTL expiry.
//
// Type Parameters:
//   - K: Key type (must be comparable)
//   - V: Value type (any)
type Cache[K comparable, V any] struct {
	capacity int                 // Maximum items before eviction
	ttl      time.Duration       // Zero disables expiry
	now      func() time.Time    // Clock used for expiry
	mu       sync.Mutex          // Protects all fields
	list     *list.List          // LRU order (front = most recent)
	items    map[K]*list.Element // Key -> list element lookup
	evicted  uint64              // Entries dropped by capacity or TTL
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	storedAt time.Time
}

// Option customizes a Cache at construction.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL expires entries older than ttl. Zero or negative disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an LRU cache with the given capacity.
//
// Parameters:
//   - capacity: Maximum items before eviction (default: 1000 if <= 0)
//   - opts: Optional TTL and clock
//
// Returns:
//   - Configured Cache ready for Get/Put
func New[K comparable, V any](capacity int, opts ...Option) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1000
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      o.ttl,
		now:      o.now,
		list:     list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get retrieves a value by key and moves it to most recently used.
// Expired entries are removed and reported as missing.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		if c.expired(e) {
			c.removeElement(elem)
			c.evicted++
			var zero V
			return zero, false
		}
		c.list.MoveToFront(elem)
		return e.value, true
	}

	var zero V
	return zero, false
}

// Put stores a key-value pair, evicting the LRU item if at capacity.
// Returns true when the key was not present before.
func (c *Cache[K, V]) Put(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.storedAt = now
		return false
	}

	elem := c.list.PushFront(&entry[K, V]{key: key, value: value, storedAt: now})
	c.items[key] = elem

	for c.list.Len() > c.capacity {
		c.removeElement(c.list.Back())
		c.evicted++
	}
	return true
}

// PutIfAbsent stores value only when key is missing or expired.
// Returns true if the value was stored.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) bool {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok && !c.expired(elem.Value.(*entry[K, V])) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	c.Put(key, value)
	return true
}

// Range calls fn for each live entry from most to least recently used,
// stopping early when fn returns false. Expired entries met during the
// scan are purged. fn must not call back into the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.list.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry[K, V])
		if c.expired(e) {
			c.removeElement(elem)
			c.evicted++
			elem = next
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
		elem = next
	}
}

// Touch marks key as most recently used without reading its value.
func (c *Cache[K, V]) Touch(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
	}
}

// Delete removes a key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Len returns the current number of items, including not yet purged
// expired ones.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Clear removes all items from the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[K]*list.Element)
}

// Keys returns all live keys in LRU order (most recent first).
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.Len())
	c.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Capacity returns the maximum cache size.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// Evicted returns how many entries were dropped by capacity or TTL.
func (c *Cache[K, V]) Evicted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl
}

func (c *Cache[K, V]) removeElement(elem *list.Element) {
	e := elem.Value.(*entry[K, V])
	c.list.Remove(elem)
	delete(c.items, e.key)
}
