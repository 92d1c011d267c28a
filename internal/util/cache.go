// Package util provides the bounded caches the coordinator uses to keep
// working-set memory predictable. Eviction is best-effort: every cached
// value can be rebuilt from the event log or the catalog
package util

import (
	"container/list"
	"sync"
	"time"
)

type (
	// LRUCache is a bounded cache with optional per-entry TTL. A zero TTL
	// disables expiry
	LRUCache[T any] struct {
		cache   map[string]*list.Element
		lru     *list.List
		maxSize int
		ttl     time.Duration
		mu      sync.Mutex
	}

	Constructor[T any] func() (T, error)

	cacheEntry[T any] struct {
		expiresAt time.Time
		value     T
		key       string
	}
)

// NewLRUCache creates a cache bounded by entry count only
func NewLRUCache[T any](maxSize int) *LRUCache[T] {
	return NewLRUCacheTTL[T](maxSize, 0)
}

// NewLRUCacheTTL creates a cache bounded by entry count and entry age
func NewLRUCacheTTL[T any](maxSize int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		cache:   map[string]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached value for key, calling create to fill a miss. Only
// one value is stored even when concurrent callers race on the same key
func (c *LRUCache[T]) Get(key string, create Constructor[T]) (T, error) {
	if v, ok := c.Peek(key); ok {
		return v, nil
	}

	value, err := create()
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		entry := elem.Value.(*cacheEntry[T])
		if !c.expired(entry) {
			c.lru.MoveToFront(elem)
			return entry.value, nil
		}
		c.removeElement(elem)
	}
	c.insert(key, value)
	return value, nil
}

// Peek returns the cached value for key without filling misses
func (c *LRUCache[T]) Peek(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		var zero T
		return zero, false
	}
	entry := elem.Value.(*cacheEntry[T])
	if c.expired(entry) {
		c.removeElement(elem)
		var zero T
		return zero, false
	}
	c.lru.MoveToFront(elem)
	return entry.value, true
}

// Put stores a value, replacing any existing entry for key
func (c *LRUCache[T]) Put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.removeElement(elem)
	}
	c.insert(key, value)
}

// Remove drops the entry for key if present
func (c *LRUCache[T]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.removeElement(elem)
	}
}

// Len returns the number of cached entries, counting expired stragglers
func (c *LRUCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *LRUCache[T]) insert(key string, value T) {
	entry := &cacheEntry[T]{key: key, value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.cache[key] = c.lru.PushFront(entry)

	if c.lru.Len() > c.maxSize {
		if back := c.lru.Back(); back != nil {
			c.removeElement(back)
		}
	}
}

func (c *LRUCache[T]) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.cache, elem.Value.(*cacheEntry[T]).key)
}

func (c *LRUCache[T]) expired(entry *cacheEntry[T]) bool {
	return !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)
}
