package cache

import (
	"container/list"
	"sync"
	"time"
)

// EvictFunc is called with the key and value of every entry that leaves the
// cache through expiry, capacity pressure or Delete. It runs after the cache
// lock is released.
type EvictFunc[T any] func(key string, value T)

// LRUCache is bounded by size and entry age. With sliding expiry a Get
// pushes the deadline forward, so the TTL becomes an idle timeout.
type LRUCache[T any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	sliding bool
	onEvict EvictFunc[T]
	now     func() time.Time
	items   map[string]*list.Element
	lru     *list.List
}

type cacheItem[T any] struct {
	key       string
	data      T
	expiresAt time.Time
}

type evicted[T any] struct {
	key  string
	data T
}

// Option configures an LRUCache.
type Option[T any] func(*LRUCache[T])

// WithEvict registers fn to observe removed entries.
func WithEvict[T any](fn EvictFunc[T]) Option[T] {
	return func(c *LRUCache[T]) { c.onEvict = fn }
}

// WithSlidingExpiry resets an entry's TTL every time it is read.
func WithSlidingExpiry[T any]() Option[T] {
	return func(c *LRUCache[T]) { c.sliding = true }
}

// WithClock replaces time.Now. Used by tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *LRUCache[T]) { c.now = now }
}

// NewLRUCache creates a new LRU cache with TTL
func NewLRUCache[T any](maxSize int, ttl time.Duration, opts ...Option[T]) *LRUCache[T] {
	c := &LRUCache[T]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value from the cache
func (c *LRUCache[T]) Get(key string) (T, bool) {
	var zero T
	var gone []evicted[T]

	c.mu.Lock()
	elem, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return zero, false
	}

	item := elem.Value.(*cacheItem[T])
	now := c.now()
	if now.After(item.expiresAt) {
		gone = append(gone, c.removeElement(elem))
		c.mu.Unlock()
		c.notify(gone)
		return zero, false
	}

	if c.sliding {
		item.expiresAt = now.Add(c.ttl)
	}
	c.lru.MoveToFront(elem)
	data := item.data
	c.mu.Unlock()
	return data, true
}

// Set stores a value in the cache. Replacing an existing key does not fire
// the eviction callback for the old value.
func (c *LRUCache[T]) Set(key string, data T) {
	c.SetWithTTL(key, data, c.ttl)
}

// SetWithTTL stores data with its own lifetime.
func (c *LRUCache[T]) SetWithTTL(key string, data T, ttl time.Duration) {
	c.set(key, data, ttl)
}

// Swap stores data under key and returns the value it replaced, if any.
// The caller owns the replaced value; the eviction callback is not called.
func (c *LRUCache[T]) Swap(key string, data T) (old T, replaced bool) {
	return c.set(key, data, c.ttl)
}

func (c *LRUCache[T]) set(key string, data T, ttl time.Duration) (old T, replaced bool) {
	var gone []evicted[T]

	c.mu.Lock()
	item := &cacheItem[T]{
		key:       key,
		data:      data,
		expiresAt: c.now().Add(ttl),
	}

	if elem, exists := c.items[key]; exists {
		old = elem.Value.(*cacheItem[T]).data
		elem.Value = item
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
		return old, true
	}

	elem := c.lru.PushFront(item)
	c.items[key] = elem

	for c.maxSize > 0 && c.lru.Len() > c.maxSize {
		gone = append(gone, c.removeElement(c.lru.Back()))
	}
	c.mu.Unlock()
	c.notify(gone)
	return old, false
}

// Delete removes a key from the cache
func (c *LRUCache[T]) Delete(key string) {
	var gone []evicted[T]

	c.mu.Lock()
	if elem, exists := c.items[key]; exists {
		gone = append(gone, c.removeElement(elem))
	}
	c.mu.Unlock()
	c.notify(gone)
}

func (c *LRUCache[T]) removeElement(elem *list.Element) evicted[T] {
	item := elem.Value.(*cacheItem[T])
	delete(c.items, item.key)
	c.lru.Remove(elem)
	return evicted[T]{key: item.key, data: item.data}
}

func (c *LRUCache[T]) notify(gone []evicted[T]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range gone {
		c.onEvict(e.key, e.data)
	}
}

// CleanExpired removes all expired entries and returns count of removed items
func (c *LRUCache[T]) CleanExpired() int {
	var gone []evicted[T]

	c.mu.Lock()
	now := c.now()
	var toRemove []*list.Element
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem[T])
		if now.After(item.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		gone = append(gone, c.removeElement(elem))
	}
	c.mu.Unlock()

	c.notify(gone)
	return len(gone)
}

// Purge empties the cache, firing the eviction callback for every entry.
func (c *LRUCache[T]) Purge() {
	var gone []evicted[T]

	c.mu.Lock()
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		gone = append(gone, c.removeElement(elem))
		elem = next
	}
	c.mu.Unlock()
	c.notify(gone)
}

// Size returns the current number of items in the cache
func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
