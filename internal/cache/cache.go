package cache

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Stats are the cache counters. Size is the current entry count.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

type entry[V any] struct {
	value  V
	expiry time.Time
}

type options struct {
	now func() time.Time
}

type Option func(*options)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Cache is an LRU with a per-entry TTL. ttlcache keeps the recency list and
// evicts the least recently used key on insert at capacity; expiry is checked
// lazily on Get so a stale hit counts as both an eviction and a miss.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	store    *ttlcache.Cache[K, entry[V]]
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stats    Stats
}

func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		store: ttlcache.New[K, entry[V]](
			ttlcache.WithCapacity[K, entry[V]](uint64(capacity)),
		),
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
	}
}

// Get returns a copy of the value, or false on a miss or an expired entry.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item := c.store.Get(key)
	if item == nil {
		c.stats.Misses++
		return zero, false
	}
	e := item.Value()
	if c.now().After(e.expiry) {
		c.store.Delete(key)
		c.stats.Evictions++
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set stores value with the cache default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL inserts or refreshes key, making it the most recently used.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.Has(key) && c.store.Len() >= c.capacity {
		c.stats.Evictions++
	}
	c.store.Set(key, entry[V]{value: value, expiry: c.now().Add(ttl)}, ttlcache.NoTTL)
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Delete(key)
}

// Clear drops every entry and resets the counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.DeleteAll()
	c.stats = Stats{}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.store.Len()
	return s
}

// Capacity returns the maximum number of entries.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}
