// Package cache provides a small in-memory TTL cache. Expired entries are
// dropped lazily on access and swept opportunistically on writes, so there
// is no background goroutine to manage.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

type TTL[K comparable, V any] struct {
	mu        sync.Mutex
	ttl       time.Duration
	items     map[K]entry[V]
	lastSweep time.Time
}

func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:       ttl,
		items:     make(map[K]entry[V]),
		lastSweep: time.Now(),
	}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expires) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastSweep) > c.ttl {
		for k, e := range c.items {
			if now.After(e.expires) {
				delete(c.items, k)
			}
		}
		c.lastSweep = now
	}
	c.items[key] = entry[V]{value: value, expires: now.Add(c.ttl)}
}

func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
