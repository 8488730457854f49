// ABOUTME: Time and size bounded cache of recently seen keys.
// ABOUTME: Backs inbound idempotency checks and the delivered-message set.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// defaultSweepInterval is how often expired entries are lazily removed.
const defaultSweepInterval = time.Minute

// entry records when a key was last remembered and its position in the
// insertion-order list.
type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache is a thread-safe, TTL-based, size-capped set of string keys.
// Insertion order is kept in a doubly-linked list so the oldest entry can be
// evicted in O(1) when the cap is reached. A background goroutine sweeps
// expired entries on a fixed interval; no entry survives past its TTL plus
// one sweep interval.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size, sweeping expired
// entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithSweep(ttl, maxSize, defaultSweepInterval)
}

// NewWithSweep creates a cache with an explicit sweep interval.
func NewWithSweep(ttl time.Duration, maxSize int, sweep time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

// Seen reports whether the key is present and unexpired.
func (c *Cache) Seen(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return time.Since(e.at) < c.ttl
}

// SeenOrRemember atomically checks for the key, remembering it if absent or
// expired. Returns true if the key was already present (a duplicate).
func (c *Cache) SeenOrRemember(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && time.Since(e.at) < c.ttl {
		return true
	}
	c.rememberLocked(key)
	return false
}

// Remember records the key, evicting the oldest entry if the cache is full.
func (c *Cache) Remember(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rememberLocked(key)
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) rememberLocked(key string) {
	now := time.Now()

	// Re-remembering refreshes the timestamp and moves the key to the back.
	if e, ok := c.entries[key]; ok {
		e.at = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry{at: now, elem: elem}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
