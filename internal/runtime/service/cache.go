package service

import (
	"sync"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/config"
)

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a size-bounded map whose entries expire after a TTL. When full, the
// oldest insertion is evicted. Evicted, expired and cleared values are passed
// to the eviction callback outside the lock.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]cacheEntry[V]
	order   []string
	onEvict func(key string, value V)
	now     func() time.Time
}

// NewCache builds a cache from cfg. A non-positive MaxSize means one entry; a
// non-positive TTL disables expiry.
func NewCache[V any](cfg config.Cache, onEvict func(key string, value V)) *Cache[V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if onEvict == nil {
		onEvict = func(string, V) {}
	}
	return &Cache[V]{
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		entries: make(map[string]cacheEntry[V], cfg.MaxSize),
		onEvict: onEvict,
		now:     time.Now,
	}
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.expired(e) {
		c.remove(key)
		c.mu.Unlock()
		c.onEvict(key, e.value)
		var zero V
		return zero, false
	}
	c.mu.Unlock()
	return e.value, ok
}

// Put stores value under key, replacing and evicting any previous value.
func (c *Cache[V]) Put(key string, value V) {
	type evicted struct {
		key   string
		value V
	}
	var out []evicted

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.remove(key)
		out = append(out, evicted{key, old.value})
	}
	for len(c.order) >= c.maxSize {
		oldest := c.order[0]
		out = append(out, evicted{oldest, c.entries[oldest].value})
		c.remove(oldest)
	}
	e := cacheEntry[V]{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[key] = e
	c.order = append(c.order, key)
	c.mu.Unlock()

	for _, ev := range out {
		c.onEvict(ev.key, ev.value)
	}
}

// Clear evicts every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	entries := c.entries
	order := c.order
	c.entries = make(map[string]cacheEntry[V], c.maxSize)
	c.order = nil
	c.mu.Unlock()

	for _, key := range order {
		c.onEvict(key, entries[key].value)
	}
}

// Len counts entries, expired ones included until they are touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) expired(e cacheEntry[V]) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

func (c *Cache[V]) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
