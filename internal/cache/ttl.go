// Package cache provides a small in-memory key/value store with per-entry
// expiry, used to hold short-lived snapshots of hub device state.
//
// Expiry is evaluated lazily on every read: an entry older than the TTL is
// reported as absent whether or not the background sweeper has removed it
// yet. The sweeper only reclaims memory.
//
// Thread Safety: All methods are safe for concurrent use.
package cache

import (
	"context"
	"sync"
	"time"
)

// Config controls entry lifetime and capacity.
type Config struct {
	// TTL is how long an entry stays visible after it was stored.
	TTL time.Duration

	// SweepInterval is how often the background sweeper removes expired
	// entries. Zero or negative disables the sweeper.
	SweepInterval time.Duration

	// MaxSize bounds the number of entries. Zero or negative means unbounded.
	MaxSize int
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// TTLCache is a map with per-entry expiry and a bounded size.
type TTLCache[K comparable, V any] struct {
	cfg   Config
	items map[K]entry[V]
	mu    sync.Mutex

	// now is replaceable in tests.
	now func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates an empty cache. Call Start to run the background sweeper.
func New[K comparable, V any](cfg Config) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		cfg:   cfg,
		items: make(map[K]entry[V]),
		now:   time.Now,
		done:  make(chan struct{}),
	}
}

// Get returns the value stored for key if it has not expired.
// Expired entries are removed as a side effect.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(e, c.now()) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, stamped with the current time.
//
// When key is new and the cache is full, expired entries are dropped first;
// if that frees nothing the oldest entry is evicted. All entries share one
// TTL, so insertion order equals expiry order.
func (c *TTLCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && c.cfg.MaxSize > 0 && len(c.items) >= c.cfg.MaxSize {
		c.purgeLocked(now)
		if len(c.items) >= c.cfg.MaxSize {
			c.evictOldestLocked()
		}
	}
	c.items[key] = entry[V]{value: value, insertedAt: now}
}

// Remove deletes key. Removing an absent key is a no-op.
func (c *TTLCache[K, V]) Remove(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired entries the
// sweeper has not reclaimed yet.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge removes every expired entry and returns how many were removed.
func (c *TTLCache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(c.now())
}

// Start launches the background sweeper. It is a no-op when the sweep
// interval is not positive or the sweeper is already running.
func (c *TTLCache[K, V]) Start(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop terminates the sweeper and waits for it to exit.
// Safe to call multiple times, and before Start.
func (c *TTLCache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

func (c *TTLCache[K, V]) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

func (c *TTLCache[K, V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.insertedAt) >= c.cfg.TTL
}

func (c *TTLCache[K, V]) purgeLocked(now time.Time) int {
	removed := 0
	for k, e := range c.items {
		if c.expired(e, now) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *TTLCache[K, V]) evictOldestLocked() {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.items {
		if !found || e.insertedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.insertedAt, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}
