// Package cache is a bounded key/value store with per-entry TTL and LRU
// eviction. It is never a source of truth: a miss always means "go fetch".
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"cdr.dev/slog/v3"
)

const (
	DefaultMaxSize         = 100
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
)

type Options struct {
	// MaxSize bounds the number of entries. Defaults to DefaultMaxSize.
	MaxSize int
	// TTL applies to entries stored with Set. Defaults to DefaultTTL.
	TTL time.Duration
	// CleanupInterval is the period of the background expiry sweep. Zero
	// means DefaultCleanupInterval, a negative value disables the sweep.
	CleanupInterval time.Duration
	Clock           quartz.Clock
	Logger          slog.Logger
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
	Size      int
}

// HitRate is hits over lookups, 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is safe for concurrent use. Both reads and writes refresh recency.
type Cache[K comparable, V any] struct {
	clock  quartz.Clock
	logger slog.Logger
	ttl    time.Duration

	mu        sync.Mutex
	lru       *simplelru.LRU[K, entry[V]]
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	cancel    context.CancelFunc
	sweeper   quartz.Waiter
	closeOnce sync.Once
}

func New[K comparable, V any](opts Options) *Cache[K, V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	// NewLRU only fails for a non-positive size, which is excluded above.
	lru, _ := simplelru.NewLRU[K, entry[V]](opts.MaxSize, nil)
	c := &Cache[K, V]{
		clock:  opts.Clock,
		logger: opts.Logger,
		ttl:    opts.TTL,
		lru:    lru,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if opts.CleanupInterval > 0 {
		c.sweeper = c.clock.TickerFunc(ctx, opts.CleanupInterval, func() error {
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug(ctx, "swept expired cache entries", slog.F("count", n))
			}
			return nil
		}, "cache", "cleanup")
	}
	return c
}

func (c *Cache[K, V]) expiredAt(e entry[V], now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// Get returns the value for key. An expired entry is removed and reported as
// a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.expiredAt(e, c.clock.Now("cache", "get")) {
		c.lru.Remove(key)
		c.expired++
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with its own time to live. Inserting past capacity
// evicts the least recently accessed entry.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Add(key, entry[V]{value: value, storedAt: c.clock.Now("cache", "set"), ttl: ttl}) {
		c.evictions++
	}
}

// Has reports whether a live entry exists without touching recency or the
// hit counters.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if c.expiredAt(e, c.clock.Now("cache", "has")) {
		c.lru.Remove(key)
		c.expired++
		return false
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Cleanup removes every expired entry and returns how many were dropped.
func (c *Cache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now("cache", "cleanup")
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && c.expiredAt(e, now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.expired += uint64(removed)
	return removed
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the keys from least to most recently accessed.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Size:      c.lru.Len(),
	}
}

// Close stops the background sweep. The cache stays usable afterwards.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.sweeper != nil {
			_ = c.sweeper.Wait()
		}
	})
}
