// Package cache provides memoization for compiled systems. Compiling the
// same event list repeatedly is common in parameter sweeps and fitting
// loops; the cache keys on the symbol table generation plus the canonical
// event signatures, so a hit is guaranteed to be semantically identical to
// a fresh compilation.
package cache

import (
	"crypto/sha256"
	"sync"

	"github.com/google/uuid"

	"github.com/pflow-xyz/go-ctmc/event"
	"github.com/pflow-xyz/go-ctmc/stoich"
)

// SystemCache caches compiled systems keyed by generation and event list.
type SystemCache struct {
	mu        sync.RWMutex
	cache     map[string]*stoich.System
	maxSize   int
	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache with the specified maximum size. When the cache is
// full, an arbitrary entry is evicted. Set maxSize to 0 for unlimited.
func New(maxSize int) *SystemCache {
	return &SystemCache{
		cache:   make(map[string]*stoich.System),
		maxSize: maxSize,
	}
}

// hashEvents builds a deterministic key from the table generation and the
// ordered event signatures. Signatures use simplified rate expressions, so
// algebraically equal rate spellings share a key.
func hashEvents(gen uuid.UUID, events []event.Event) string {
	h := sha256.New()
	h.Write(gen[:])
	for _, ev := range events {
		h.Write([]byte(event.Signature(ev)))
		h.Write([]byte{0})
	}
	return string(h.Sum(nil))
}

// Get retrieves a cached system for the given event list.
// Returns nil if not found.
func (c *SystemCache) Get(gen uuid.UUID, events []event.Event) *stoich.System {
	key := hashEvents(gen, events)

	c.mu.Lock()
	defer c.mu.Unlock()

	if sys, ok := c.cache[key]; ok {
		c.hits++
		return sys
	}
	c.misses++
	return nil
}

// Put stores a compiled system.
func (c *SystemCache) Put(gen uuid.UUID, events []event.Event, sys *stoich.System) {
	key := hashEvents(gen, events)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict if necessary (simple FIFO - remove first key found)
	if c.maxSize > 0 && len(c.cache) >= c.maxSize {
		for k := range c.cache {
			delete(c.cache, k)
			c.evictions++
			break
		}
	}
	c.cache[key] = sys
}

// GetOrCompile retrieves from cache or compiles and caches the result.
// Compile errors are never cached.
func (c *SystemCache) GetOrCompile(gen uuid.UUID, events []event.Event, compile func() (*stoich.System, error)) (*stoich.System, error) {
	if sys := c.Get(gen, events); sys != nil {
		return sys, nil
	}

	sys, err := compile()
	if err != nil {
		return nil, err
	}
	c.Put(gen, events, sys)
	return sys, nil
}

// Clear removes all entries from the cache.
func (c *SystemCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*stoich.System)
}

// Size returns the current number of cached entries.
func (c *SystemCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Stats returns cache statistics.
type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// Stats returns cache statistics.
func (c *SystemCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Size:      len(c.cache),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   hitRate,
	}
}
