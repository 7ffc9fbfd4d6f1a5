// ABOUTME: Thread-safe TTL cache for deduplicating forwarded messages.
// ABOUTME: Bounds memory with capacity eviction plus a periodic expiry sweep.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached message id.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently seen message ids so the forwarders can drop
// protocol redeliveries instead of posting them to the CRM twice.
// Entries are bounded two ways: at most maxSize ids are held (oldest
// evicted first), and no id outlives the TTL. Insertion order is kept
// in a doubly-linked list for O(1) oldest-first eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL, capacity, and sweep
// interval. A background goroutine removes expired entries every sweep
// interval so ids that are never re-checked still get reclaimed.
func New(ttl time.Duration, maxSize int, sweep time.Duration) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

// Check returns true if the id has been seen and is not expired.
// An expired entry is treated as absent and removed on the spot.
func (c *Cache) Check(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	if !ok {
		return false
	}
	if time.Since(entry.timestamp) >= c.ttl {
		c.order.Remove(entry.element)
		delete(c.seen, id)
		return false
	}
	return true
}

// CheckAndMark atomically checks whether an id has been seen and marks it
// if not. Returns true for a duplicate, false if the id is new and now
// marked. Avoids the TOCTOU race of separate Check/Mark calls.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(id)
	return false
}

// Mark records that an id has been seen. If the cache is at capacity,
// the oldest entry is evicted to make room.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

// Len returns the number of entries currently held, including any that
// have expired but not yet been swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (c *Cache) markLocked(id string) {
	now := time.Now()

	// Re-marking an id refreshes its timestamp and insertion position.
	if entry, exists := c.seen[id]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(id)
	c.seen[id] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

// sweepLoop periodically removes expired entries until Close is called.
func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runSweep()
		case <-c.done:
			return
		}
	}
}

// runSweep removes all expired entries from the cache.
func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, id)
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
