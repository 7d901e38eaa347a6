// Package cache provides the bounded LRU used in front of each entity store.
// Each instance owns its own storage and capacity; nothing is shared between kinds.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"quest-bot/internal/metrics"
)

type LRU[K comparable, V any] struct {
	kind string
	c    *lru.Cache[K, V]
}

// New creates a cache for one entity kind. The kind only labels metrics.
func New[K comparable, V any](kind string, capacity int) (*LRU[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache %s: capacity must be positive, got %d", kind, capacity)
	}
	c, err := lru.New[K, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", kind, err)
	}
	return &LRU[K, V]{kind: kind, c: c}, nil
}

// Get returns the value and marks it most recently used.
func (l *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := l.c.Get(key)
	if ok {
		metrics.CacheLookups.WithLabelValues(l.kind, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(l.kind, "miss").Inc()
	}
	return v, ok
}

// Put inserts or refreshes a value, evicting the least recently used entry on overflow.
func (l *LRU[K, V]) Put(key K, value V) {
	l.c.Add(key, value)
}

func (l *LRU[K, V]) Contains(key K) bool {
	return l.c.Contains(key)
}

func (l *LRU[K, V]) Remove(key K) {
	l.c.Remove(key)
}

func (l *LRU[K, V]) Len() int {
	return l.c.Len()
}

// Keys lists keys from least to most recently used.
func (l *LRU[K, V]) Keys() []K {
	return l.c.Keys()
}
