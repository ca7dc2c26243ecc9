// Package cache provides the bounded LRU used to memoise cross-store query
// results.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 50

// Tiered is a fixed-capacity least-recently-used map. Both Put and a Get hit
// mark a key as most recently used. There is no time-based expiry.
// Safe for concurrent use.
type Tiered[V any] struct {
	lru     *lru.Cache[string, V]
	maxSize int
}

// New creates a cache holding at most maxSize entries.
func New[V any](maxSize int) *Tiered[V] {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	// lru.New only fails on a non-positive size.
	c, err := lru.New[string, V](maxSize)
	if err != nil {
		panic(err)
	}
	return &Tiered[V]{lru: c, maxSize: maxSize}
}

// Get returns the cached value and refreshes its recency. A miss has no
// side effect.
func (t *Tiered[V]) Get(key string) (V, bool) {
	return t.lru.Get(key)
}

// Put inserts or replaces a value, evicting the least recently used entry
// when the cache is full and key is new.
func (t *Tiered[V]) Put(key string, value V) {
	t.lru.Add(key, value)
}

// Contains reports presence without touching recency.
func (t *Tiered[V]) Contains(key string) bool {
	return t.lru.Contains(key)
}

// Remove deletes key if present.
func (t *Tiered[V]) Remove(key string) {
	t.lru.Remove(key)
}

// Clear empties the cache.
func (t *Tiered[V]) Clear() {
	t.lru.Purge()
}

// Size returns the number of cached entries.
func (t *Tiered[V]) Size() int {
	return t.lru.Len()
}

// MaxSize returns the capacity.
func (t *Tiered[V]) MaxSize() int {
	return t.maxSize
}

// Keys returns the cached keys from least to most recently used.
func (t *Tiered[V]) Keys() []string {
	return t.lru.Keys()
}
