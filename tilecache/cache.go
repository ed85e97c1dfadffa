// Package tilecache provides a sharded, concurrency-safe key/value cache
// whose entries expire after a period without use.
//
// Unlike an LRU cache, entries are never evicted because of size. Every
// Get and Set refreshes an entry's last-used time, and a periodic sweep
// removes entries idle for at least the configured timeout. Sweeping is
// done per shard in two passes: idle keys are selected first and deleted
// afterwards, so the entry maps are never mutated while being iterated
// for selection.
package tilecache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Default configuration constants.
const (
	// DefaultShardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	DefaultShardCount = 16

	// DefaultIdleTimeout is how long an unused entry survives.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultSweepInterval is how often Run sweeps the cache.
	DefaultSweepInterval = time.Minute

	shardMask = DefaultShardCount - 1
)

// Hasher is a function that computes a hash for a key.
// Used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Stats holds cache statistics.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	HitRate   float64
	Evictions uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// WithIdleTimeout sets how long an entry may go unused before a sweep
// removes it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithSweepInterval sets the period of the background sweep in Run.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is a sharded map from keys to values with idle-time eviction.
type Cache[K comparable, V any] struct {
	shards [DefaultShardCount]*shard[K, V]
	hasher Hasher[K]
	opts   options

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

type entry[V any] struct {
	value    V
	lastUsed time.Time
}

// New creates a cache. The hasher selects the shard for a key; use
// StringHasher for string keys.
func New[K comparable, V any](hasher Hasher[K], opts ...Option) *Cache[K, V] {
	o := options{
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = DefaultIdleTimeout
	}
	if o.sweepInterval <= 0 {
		o.sweepInterval = DefaultSweepInterval
	}

	c := &Cache[K, V]{hasher: hasher, opts: o}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{entries: make(map[K]*entry[V])}
	}
	return c
}

func (c *Cache[K, V]) getShard(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get returns the value for key and refreshes its last-used time.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.getShard(key)
	now := c.opts.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		e.lastUsed = now
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Peek returns the value for key without refreshing it or touching the
// statistics.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Set stores value under key and refreshes its last-used time.
func (c *Cache[K, V]) Set(key K, value V) {
	s := c.getShard(key)
	now := c.opts.now()

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.value = value
		e.lastUsed = now
	} else {
		s.entries[key] = &entry[V]{value: value, lastUsed: now}
	}
	s.mu.Unlock()
}

// GetOrCreate returns the value for key, creating it with create if it is
// missing. The second result reports whether the value already existed.
// create runs with the shard lock held and must be fast.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) (V, bool) {
	s := c.getShard(key)
	now := c.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.lastUsed = now
		c.hits.Add(1)
		return e.value, true
	}
	c.misses.Add(1)
	v := create()
	s.entries[key] = &entry[V]{value: v, lastUsed: now}
	return v, false
}

// Delete removes key. Deleting an absent key is a no-op returning false.
func (c *Cache[K, V]) Delete(key K) bool {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Len returns the total number of entries across all shards.
func (c *Cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// IdleTimeout returns the configured idle timeout.
func (c *Cache[K, V]) IdleTimeout() time.Duration { return c.opts.idleTimeout }

// Sweep removes entries idle for at least the idle timeout and returns
// how many were removed.
func (c *Cache[K, V]) Sweep() int {
	return c.SweepAt(c.opts.now())
}

// SweepAt is Sweep with an explicit current time. An entry last used at T
// is removed when now - T >= idle timeout.
func (c *Cache[K, V]) SweepAt(now time.Time) int {
	removed := 0
	var idle []K
	for _, s := range c.shards {
		idle = idle[:0]

		s.mu.Lock()
		for k, e := range s.entries {
			if c.expired(e, now) {
				idle = append(idle, k)
			}
		}
		s.mu.Unlock()

		if len(idle) == 0 {
			continue
		}

		// Entries used between the two passes survive.
		s.mu.Lock()
		for _, k := range idle {
			if e, ok := s.entries[k]; ok && c.expired(e, now) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evictions.Add(uint64(removed))
	return removed
}

func (c *Cache[K, V]) expired(e *entry[V], now time.Time) bool {
	return now.Sub(e.lastUsed) >= c.opts.idleTimeout
}

// Run sweeps the cache every sweep interval until ctx is done.
func (c *Cache[K, V]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Len:       c.Len(),
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
		Evictions: c.evictions.Load(),
	}
}
