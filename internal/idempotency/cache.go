// ABOUTME: Thread-safe TTL cache of request results keyed by client idempotency keys
// ABOUTME: Retried sends replay the first result instead of storing the message twice

package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// entry is one remembered request. done is closed once value/err are set.
type entry[V any] struct {
	key       string
	createdAt time.Time
	element   *list.Element
	done      chan struct{}
	value     V
	err       error
}

// Cache remembers the outcome of requests for ttl, holding at most maxSize
// entries. Failed requests are forgotten so the client can retry them.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// New creates a cache and starts a background goroutine that drops expired
// entries every interval. Call Close to stop it.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go c.cleanup(cleanupInterval(ttl))
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < 2*time.Second {
		return time.Second
	}
	return min(ttl/2, time.Minute)
}

// Do runs fn once per key within the TTL. Concurrent and later callers with
// the same key wait for and receive the first caller's result; replayed
// reports whether this call reused it. If fn fails, the key is forgotten.
func (c *Cache[V]) Do(ctx context.Context, key string, fn func() (V, error)) (value V, replayed bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.createdAt) < c.ttl {
		c.mu.Unlock()
		select {
		case <-e.done:
			if e.err != nil {
				// The first attempt failed; run again under a fresh entry.
				return c.Do(ctx, key, fn)
			}
			return e.value, true, nil
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
	}

	e := c.insertLocked(key)
	c.mu.Unlock()

	e.value, e.err = fn()
	if e.err != nil {
		c.mu.Lock()
		c.removeLocked(e)
		c.mu.Unlock()
	}
	close(e.done)
	return e.value, false, e.err
}

// insertLocked adds a fresh pending entry for key. Must be called with mu held.
func (c *Cache[V]) insertLocked(key string) *entry[V] {
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, createdAt: c.now(), done: make(chan struct{})}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return e
}

// removeLocked drops e if it is still the live entry for its key.
func (c *Cache[V]) removeLocked(e *entry[V]) {
	if cur, ok := c.entries[e.key]; ok && cur == e {
		c.order.Remove(e.element)
		delete(c.entries, e.key)
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.removeLocked(e)
}

// Len returns the number of remembered keys.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// runCleanup removes expired entries. Entries are ordered by creation, so it
// stops at the first live one.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry[V])
		if now.Sub(e.createdAt) < c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
