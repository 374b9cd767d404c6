// Package shadercache memoizes shader compilation. Captured batches repeat
// the same WGSL source across many pipelines; compiling each source once and
// sharing the SPIR-V words keeps replay time proportional to unique shaders.
package shadercache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// shardCount must stay a power of 2 so shard selection is a mask.
	shardCount = 16
	shardMask  = shardCount - 1

	// DefaultCapacity is the per-shard entry limit when none is given.
	DefaultCapacity = 256
)

// StringHasher computes the FNV-1a hash of a source string.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Cache is a sharded LRU keyed by shader source. Compilation runs under the
// shard lock, so concurrent workers asking for the same source compile it
// once. Failed compilations are not cached; a poisoned source fails again on
// every request rather than pinning an error.
type Cache[K comparable, V any] struct {
	shards   [shardCount]*shard[K, V]
	hasher   func(K) uint64
	capacity int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[K, V]
	head    *entry[K, V] // most recent
	tail    *entry[K, V] // eviction candidate
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	prev, next *entry[K, V]
}

// New returns an empty cache. capacity is per shard; <= 0 selects
// DefaultCapacity.
func New[K comparable, V any](capacity int, hasher func(K) uint64) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[K, V]{hasher: hasher, capacity: capacity}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{entries: make(map[K]*entry[K, V])}
	}
	return c
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// GetOrCompile returns the cached value for key, compiling and caching it on
// a miss. The compile function runs with the shard lock held.
func (c *Cache[K, V]) GetOrCompile(key K, compile func() (V, error)) (V, error) {
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		s.mu.Lock()
		if e, ok = s.entries[key]; ok {
			s.moveToFront(e)
			v := e.value
			s.mu.Unlock()
			c.hits.Add(1)
			return v, nil
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		s.moveToFront(e)
		c.hits.Add(1)
		return e.value, nil
	}

	c.misses.Add(1)
	value, err := compile()
	if err != nil {
		var zero V
		return zero, err
	}

	for len(s.entries) >= c.capacity {
		oldest := s.tail
		if oldest == nil {
			break
		}
		s.unlink(oldest)
		delete(s.entries, oldest.key)
		c.evictions.Add(1)
	}
	e = &entry[K, V]{key: key, value: value}
	s.pushFront(e)
	s.entries[key] = e
	return value, nil
}

// Len returns the total number of cached entries.
func (c *Cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns the current counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (s *shard[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *shard[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (s *shard[K, V]) moveToFront(e *entry[K, V]) {
	if s.head == e {
		return
	}
	s.unlink(e)
	s.pushFront(e)
}
