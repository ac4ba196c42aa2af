// Package cache provides a short-lived TTL result cache with capacity
// eviction. Eviction is oldest-by-insertion (FIFO), not least-recently-used:
// reads never reorder entries, only writes do.
package cache

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/civictrack/resilience-core/internal/metrics"
)

// DefaultTTL applies to keys whose type prefix has no entry in the TTL table.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries bounds the cache when no explicit capacity is configured.
const DefaultMaxEntries = 500

type entry struct {
	key      string
	payload  []byte
	storedAt time.Time
	ttl      time.Duration
}

// Stats is a point-in-time view of cache counters for the admin API.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
	MaxEntries  int    `json:"max_entries"`
}

/// Cache is a bounded TTL cache keyed by "{type}:{canonical-params}" strings.
// A hash map gives O(1) lookup; a doubly linked list tracks insertion order
// so capacity eviction can remove the entry with the oldest storedAt.
type Cache struct {
	mu       sync.Mutex
	data     map[string]*list.Element
	order    *list.List // front = oldest storedAt
	maxItems int
	ttls     map[string]time.Duration
	name     string
	logger   *slog.Logger

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	stopCh  chan struct{}
	stopped sync.Once

	now func() time.Time // injectable for tests
}

// New creates a cache. name labels metrics ("server" or "client"); ttls maps
// key type prefixes to their TTLs and may be nil.
func New(name string, maxEntries int, ttls map[string]time.Duration, logger *slog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		data:     make(map[string]*list.Element),
		order:    list.New(),
		maxItems: maxEntries,
		ttls:     ttls,
		name:     name,
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Set stores payload under key. A zero ttl resolves from the TTL table by
// the key's type prefix. If the cache is full, exactly one entry — the one
// with the oldest storedAt — is evicted before inserting.
func (c *Cache) Set(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttlFor(key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.data[key]; ok {
		e := elem.Value.(*entry)
		e.payload = payload
		e.storedAt = c.now()
		e.ttl = ttl
		c.order.MoveToBack(elem)
		return
	}

	if len(c.data) >= c.maxItems {
		c.evictOldest()
	}

	c.data[key] = c.order.PushBack(&entry{
		key:      key,
		payload:  payload,
		storedAt: c.now(),
		ttl:      ttl,
	})
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.data)))
}

// Get returns the payload for key if it has not expired. Expired entries are
// deleted on read (lazy expiry) and reported as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.data[key]
	if !ok {
		c.misses++
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}

	e := elem.Value.(*entry)
	if c.now().After(e.storedAt.Add(e.ttl)) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}

	c.hits++
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.payload, true
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.data[key]; ok {
		c.removeElement(elem)
	}
}

// InvalidatePattern removes every entry whose key matches pattern: an exact
// key, or a type-prefix segment boundary match ("bills" clears "bills:{...}"
// but not "billsearch:{...}"). Returns the number of entries removed.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if keyMatches(elem.Value.(*entry).key, pattern) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	if removed > 0 {
		c.logger.Info("cache invalidated", "cache", c.name, "pattern", pattern, "removed", removed)
	}
	return removed
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        len(c.data),
		MaxEntries:  c.maxItems,
	}
}

// SetTTLTable swaps the type-prefix TTL table (config hot-reload). Existing
// entries keep the TTL they were stored with.
func (c *Cache) SetTTLTable(ttls map[string]time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls = ttls
}

// StartJanitor launches a background sweep that purges expired entries every
// interval, a backstop for keys that are never read again. No-op for
// interval <= 0.
func (c *Cache) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop terminates the janitor goroutine. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if now.After(e.storedAt.Add(e.ttl)) {
			c.removeElement(elem)
			c.expirations++
			purged++
		}
		elem = next
	}
	if purged > 0 {
		c.logger.Debug("cache sweep", "cache", c.name, "purged", purged)
	}
}

// ttlFor resolves the TTL for a key from its type prefix.
func (c *Cache) ttlFor(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		prefix = key[:i]
	}
	if ttl, ok := c.ttls[prefix]; ok && ttl > 0 {
		return ttl
	}
	return DefaultTTL
}

// evictOldest removes the front entry (oldest storedAt). Must be called with
// c.mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeElement(front)
	c.evictions++
	metrics.CacheEvictions.WithLabelValues(c.name).Inc()
}

// removeElement deletes an entry from both structures. Must be called with
// c.mu held.
func (c *Cache) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.data, e.key)
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.data)))
}

// restore reinstates an entry with its original storedAt and ttl, used when
// loading a persisted snapshot. Already-expired entries are dropped.
func (c *Cache) restore(key string, payload []byte, storedAt time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.now().Before(storedAt.Add(ttl)) {
		return false
	}
	if _, ok := c.data[key]; ok {
		return false
	}
	if len(c.data) >= c.maxItems {
		c.evictOldest()
	}
	c.data[key] = c.order.PushBack(&entry{key: key, payload: payload, storedAt: storedAt, ttl: ttl})
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.data)))
	return true
}

// keyMatches reports whether key matches pattern with segment boundary
// enforcement. The key must equal the pattern, the pattern must end with
// ":", or the character after the pattern in key must be ":".
func keyMatches(key, pattern string) bool {
	if pattern == "" {
		return false
	}
	if !strings.HasPrefix(key, pattern) {
		return false
	}
	if len(key) == len(pattern) {
		return true
	}
	if pattern[len(pattern)-1] == ':' {
		return true
	}
	return key[len(pattern)] == ':'
}
