// ABOUTME: Byte-budgeted TTL cache for downloaded template media.
// ABOUTME: Downloads on miss with a bounded timeout; evicts oldest-first on pressure.

package media

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"log/slog"
)

// cacheEntry holds downloaded bytes and bookkeeping for eviction.
type cacheEntry struct {
	data      []byte
	timestamp time.Time
	element   *list.Element
}

// Cache stores downloaded media keyed by URL, bounded by a total byte
// budget instead of an entry count. Eviction mirrors the dedupe cache:
// TTL sweep plus oldest-first eviction when an insert would exceed the
// budget.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	order      *list.List // URLs in insertion order, oldest at front
	totalBytes int64
	maxBytes   int64
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	done       chan struct{}
	closed     bool
}

// New creates a media cache with the given byte budget and TTL. timeout
// bounds each download; expired entries are reclaimed every sweep interval.
func New(maxBytes int64, ttl, timeout, sweep time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		order:      list.New(),
		maxBytes:   maxBytes,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "media"),
		done:       make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

// Get returns the media bytes for url, downloading on a miss or after
// expiry. Oversized responses are rejected rather than cached.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	if entry, ok := c.entries[url]; ok {
		if time.Since(entry.timestamp) < c.ttl {
			data := entry.data
			c.mu.Unlock()
			return data, nil
		}
		c.removeLocked(url, entry)
	}
	c.mu.Unlock()

	data, err := c.download(ctx, url)
	if err != nil {
		return nil, err
	}

	c.put(url, data)
	return data, nil
}

// TotalBytes returns the current size of all cached entries.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// download fetches url with the bounded client.
func (c *Cache) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downloading media: unexpected status %d", resp.StatusCode)
	}

	// Read at most budget+1 bytes so an oversized body is detected
	// without buffering it all.
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("media at %s exceeds cache budget of %d bytes", url, c.maxBytes)
	}
	return data, nil
}

// put inserts data, evicting oldest entries until it fits.
func (c *Cache) put(url string, data []byte) {
	size := int64(len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[url]; ok {
		c.removeLocked(url, existing)
	}

	for c.totalBytes+size > c.maxBytes {
		front := c.order.Front()
		if front == nil {
			break
		}
		oldURL, _ := front.Value.(string)
		c.removeLocked(oldURL, c.entries[oldURL])
	}

	elem := c.order.PushBack(url)
	c.entries[url] = &cacheEntry{
		data:      data,
		timestamp: time.Now(),
		element:   elem,
	}
	c.totalBytes += size
}

// removeLocked deletes an entry and adjusts the byte total. Must be called
// with mu held.
func (c *Cache) removeLocked(url string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, url)
	c.totalBytes -= int64(len(entry.data))
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

// runSweep removes all expired entries.
func (c *Cache) runSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for url, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.removeLocked(url, entry)
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
