package dedupe

import (
	"sync"
	"time"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 50000
)

// hotCache is a thread-safe, size-bounded, TTL-expiring map from dedup key
// to the Event it resolved to, with check-and-set semantics and
// evict-oldest on overflow.
type hotCache struct {
	mu      sync.Mutex
	entries map[string]hotEntry
	ttl     time.Duration
	maxSize int
}

type hotEntry struct {
	event     *models.Event
	expiresAt time.Time
}

func newHotCache(ttl time.Duration, maxSize int) *hotCache {
	return &hotCache{
		entries: make(map[string]hotEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *hotCache) get(key string) (*models.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.event, true
}

func (c *hotCache) set(key string, event *models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = hotEntry{event: event, expiresAt: time.Now().Add(c.ttl)}
}

// evictOldestLocked removes the entry with the nearest expiry. Caller must
// hold c.mu.
func (c *hotCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, first = key, entry.expiresAt, false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
