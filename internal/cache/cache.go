// Package cache provides the bounded in-process evaluation cache: an LRU
// with per-entry TTL, keyed on a non-reversible hash of the evaluation
// inputs, with a flag reverse index for targeted invalidation.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
)

// BootstrapKey is the reverse-index bucket for bootstrap responses, which
// span every enabled flag and are therefore invalidated on any flag change.
const BootstrapKey = "*bootstrap*"

// DefaultTTL is the entry lifetime when Set is called with no explicit TTL.
const DefaultTTL = 60 * time.Second

// KeyData identifies one cacheable evaluation. The struct is hashed before
// storage so raw context attributes never live in cache memory.
type KeyData struct {
	FlagKey     string
	Context     map[string]any
	Environment string
}

// hash produces the cache key: xxh3-128 over the canonicalized inputs.
func (k KeyData) hash() string {
	var b strings.Builder
	b.WriteString(k.FlagKey)
	b.WriteByte('\n')
	writeCanonical(&b, k.Context)
	b.WriteByte('\n')
	b.WriteString(k.Environment)
	sum := xxh3.Hash128([]byte(b.String()))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// writeCanonical serializes a JSON-shaped value deterministically by sorting
// object keys recursively.
func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quoteString(k))
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			b.WriteString("null")
			return
		}
		b.Write(raw)
	}
}

func quoteString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

type entry struct {
	value     any
	flagKey   string
	expiresAt time.Time
}

// Cache is the bounded evaluation cache. A single mutex guards the LRU and
// the reverse index; critical sections are map and list operations only.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	byFlag map[string]map[string]struct{}

	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64

	notifier *Notifier
}

// New creates a cache holding at most maxSize entries. A non-positive ttl
// selects DefaultTTL.
func New(maxSize int, ttl time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxSize)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		byFlag:   make(map[string]map[string]struct{}),
		maxSize:  maxSize,
		ttl:      ttl,
		notifier: NewNotifier(),
	}
	// The eviction callback runs synchronously under c.mu (every LRU
	// mutation happens while it is held), so it maintains the reverse
	// index without taking the lock itself.
	inner, err := lru.NewWithEvict[string, *entry](maxSize, func(key string, e *entry) {
		c.unindex(e.flagKey, key)
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns the cached value for the key data, honoring TTL at read time.
func (c *Cache) Get(k KeyData) (any, bool) {
	key := k.hash()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key) // evict callback unindexes
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value. A non-positive ttl selects the cache default.
func (c *Cache) Set(k KeyData, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := k.hash()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{value: value, flagKey: k.FlagKey, expiresAt: time.Now().Add(ttl)}
	// Replacing an existing entry does not fire the evict callback, so
	// unindex the old mapping first in case the flag key changed.
	if old, ok := c.lru.Peek(key); ok {
		c.unindex(old.flagKey, key)
	}
	c.lru.Add(key, e)
	c.index(k.FlagKey, key)
}

// Delete removes a single entry.
func (c *Cache) Delete(k KeyData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(k.hash())
}

// InvalidateByFlag drops every cached evaluation of the flag, plus all
// bootstrap entries (they embed every enabled flag). Subscribers are
// notified after the entries are gone. Returns the number of entries
// removed.
func (c *Cache) InvalidateByFlag(flagKey string) int {
	c.mu.Lock()
	removed := c.invalidateLocked(flagKey)
	removed += c.invalidateLocked(BootstrapKey)
	c.mu.Unlock()

	c.notifier.Publish(flagKey)
	return removed
}

func (c *Cache) invalidateLocked(flagKey string) int {
	keys := c.byFlag[flagKey]
	if len(keys) == 0 {
		return 0
	}
	// Copy first: Remove fires the evict callback, which mutates the set.
	snapshot := make([]string, 0, len(keys))
	for key := range keys {
		snapshot = append(snapshot, key)
	}
	for _, key := range snapshot {
		c.lru.Remove(key)
	}
	return len(snapshot)
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *Cache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && now.After(e.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Purge empties the cache without resetting hit/miss counters.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.byFlag = make(map[string]map[string]struct{})
}

// Stats reports size and effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Subscribe returns a channel of invalidated flag keys and an unsubscribe
// function. Embedders use this to chain external invalidation hooks.
func (c *Cache) Subscribe() (<-chan string, func()) {
	return c.notifier.Subscribe()
}

func (c *Cache) index(flagKey, key string) {
	set, ok := c.byFlag[flagKey]
	if !ok {
		set = make(map[string]struct{})
		c.byFlag[flagKey] = set
	}
	set[key] = struct{}{}
}

func (c *Cache) unindex(flagKey, key string) {
	if set, ok := c.byFlag[flagKey]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byFlag, flagKey)
		}
	}
}
