// ABOUTME: Thread-safe, bounded TTL cache for generated replies
// ABOUTME: Per-process only; multi-instance deployments just see reduced hit rates

package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// cacheEntry stores the reply, its timestamp, and the list element for a key.
type cacheEntry struct {
	reply     string
	timestamp time.Time
	element   *list.Element
}

// ReplyCache is a thread-safe, TTL-based, size-limited cache keyed by
// identity+message. It lets the orchestrator skip a collaborator round-trip
// when the same user repeats the same free-form message. It is explicitly
// per-process state: instances do not share it, which costs hit rate but
// never correctness.
type ReplyCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a reply cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *ReplyCache {
	c := &ReplyCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached reply for key if present and not expired.
func (c *ReplyCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.reply, true
}

// Put stores a reply for key, refreshing its TTL. If the cache is at
// capacity the oldest entry is evicted to make room.
func (c *ReplyCache) Put(key, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, exists := c.entries[key]; exists {
		entry.reply = reply
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		reply:     reply,
		timestamp: now,
		element:   elem,
	}
}

// Invalidate removes a single key, used when the underlying profile changes.
func (c *ReplyCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// InvalidatePrefix removes every key starting with prefix. Used by data
// erasure to drop all of one identity's cached replies.
func (c *ReplyCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live entries, expired or not.
func (c *ReplyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *ReplyCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *ReplyCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *ReplyCache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *ReplyCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
