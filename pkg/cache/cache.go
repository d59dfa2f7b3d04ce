// Package cache is a small in-memory TTL cache. The chat handlers use it to
// avoid hammering the Ollama tags endpoint on every catalog request.
package cache

import (
	"sync"
	"time"
)

type item struct {
	v   any
	exp time.Time // zero = no expiry
}

type Cache struct {
	mu    sync.RWMutex
	items map[string]item
}

var (
	defaultCache *Cache
	once         sync.Once
)

// Default returns the process-wide cache instance.
func Default() *Cache {
	once.Do(func() {
		defaultCache = New()
		go defaultCache.janitor(60 * time.Second)
	})
	return defaultCache
}

func New() *Cache {
	return &Cache{items: make(map[string]item)}
}

// Get returns the value and whether it exists and has not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !it.exp.IsZero() && time.Now().After(it.exp) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return it.v, true
}

// Set stores a value with a TTL. ttl <= 0 means no expiry.
func (c *Cache) Set(key string, v any, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = item{v: v, exp: exp}
	c.mu.Unlock()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *Cache) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		now := time.Now()
		c.mu.Lock()
		for k, it := range c.items {
			if !it.exp.IsZero() && now.After(it.exp) {
				delete(c.items, k)
			}
		}
		c.mu.Unlock()
	}
}
