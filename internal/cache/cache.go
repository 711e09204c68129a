// Package cache implements the bounded policy cache in front of a
// provider.Provider (spec.md §4.4): a TTL map keyed by (clientId, agentId)
// with insertion-ordered eviction, adapted from the doubly-linked-list
// bounded cache used for CEL decisions in the retrieval pack's gateway
// policy service, narrowed here to insertion order (not LRU) since the
// spec evicts the oldest entry regardless of recent access.
package cache

import (
	"sync"
	"time"

	"github.com/polyauthz/engine/internal/authz"
)

// Key identifies a cache slot.
type Key struct {
	ClientID string
	AgentID  string
}

// Config mirrors spec.md §4.4's defaults.
type Config struct {
	Enabled bool
	TTL     time.Duration
	MaxSize int
}

// DefaultConfig returns the spec's defaults: enabled, 60s TTL, 1000 entries.
func DefaultConfig() Config {
	return Config{Enabled: true, TTL: 60 * time.Second, MaxSize: 1000}
}

type entry struct {
	key       Key
	policies  []authz.Policy
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// Cache is a bounded, TTL-expiring policy cache. Thread-safe.
type Cache struct {
	cfg Config

	mu        sync.Mutex
	entries   map[Key]*entry
	oldest    *entry // insertion order: oldest at head
	newest    *entry // newest at tail
	hitCount  int64
	missCount int64
}

// New creates a Cache with cfg. A zero-value Config is invalid; use
// DefaultConfig() as a base.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg, entries: make(map[Key]*entry)}
}

// Get returns the cached policies for key, or (nil, false) if absent or
// expired. An expired entry is purged lazily on lookup.
func (c *Cache) Get(key Key) ([]authz.Policy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.missCount++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		c.missCount++
		return nil, false
	}
	c.hitCount++
	return e.policies, true
}

// PutAll stores policies — the full set a provider returned for one
// context — under key, overwriting any existing entry for that key. key
// must be derived from the context that was looked up (clientId/agentId),
// not from the policies themselves: a context's matching policy set can
// mix global-, client-, and agent-scoped policies, and the cache slot is
// keyed by who asked, not by what was returned.
func (c *Cache) PutAll(key Key, policies []authz.Policy) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, policies)
}

func (c *Cache) putLocked(key Key, policies []authz.Policy) {
	if e, ok := c.entries[key]; ok {
		e.policies = policies
		e.expiresAt = time.Now().Add(c.cfg.TTL)
		return
	}

	e := &entry{key: key, policies: policies, expiresAt: time.Now().Add(c.cfg.TTL)}
	c.entries[key] = e
	c.pushNewestLocked(e)

	for len(c.entries) > c.cfg.MaxSize && c.oldest != nil {
		c.removeLocked(c.oldest)
	}
}

// Invalidate removes every entry whose key's ClientID equals clientID. Keys
// are the requesting context's clientId (see PutAll), so this drops every
// cached policy set looked up on behalf of that tenant, regardless of the
// scope of the policies it held.
func (c *Cache) Invalidate(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if k.ClientID == clientID {
			c.removeLocked(e)
		}
	}
}

// Clear removes every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
	c.oldest = nil
	c.newest = nil
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitCount returns the cumulative cache hit count.
func (c *Cache) HitCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount
}

// MissCount returns the cumulative cache miss count.
func (c *Cache) MissCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missCount
}

func (c *Cache) pushNewestLocked(e *entry) {
	e.prev = c.newest
	e.next = nil
	if c.newest != nil {
		c.newest.next = e
	}
	c.newest = e
	if c.oldest == nil {
		c.oldest = e
	}
}

func (c *Cache) removeLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.newest = e.prev
	}
	e.prev = nil
	e.next = nil
	delete(c.entries, e.key)
}
