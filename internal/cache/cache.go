// Package cache implements the in-memory resource cache: TTL-bounded
// snapshots of remote resources with per-entry freshness metadata and
// secondary indexes by type, tag, and namespace.
//
// The cache is a read-optimized mirror, not a validation boundary: it
// accepts whatever the syncer or event pipeline hands it. A single
// RWMutex guards the primary map and every index so a write is atomic
// across all of them.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/resource"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

// DefaultTTL is used when Set is called with a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// Entry wraps a cached resource with its metadata and expiry instant.
type Entry struct {
	Resource  resource.Resource
	Meta      resource.Metadata
	ExpiresAt time.Time
}

// expired reports whether the entry is past its expiry at instant now.
func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats holds aggregate cache statistics.
type Stats struct {
	Entries int                   `json:"entries"`
	ByType  map[resource.Type]int `json:"by_type"`
}

// Cache is the process-wide resource cache. Construct with New and pass
// it to every component that needs it; there is no global instance.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	byType     map[resource.Type]map[string]struct{}
	byTag      map[string]map[string]struct{}
	byNS       map[string]map[string]struct{}
	defaultTTL time.Duration
	log        *zap.Logger
}

// New creates an empty cache. A non-positive defaultTTL falls back to
// DefaultTTL. A nil logger is replaced with a no-op logger.
func New(defaultTTL time.Duration, log *zap.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		entries:    make(map[string]*Entry),
		byType:     make(map[resource.Type]map[string]struct{}),
		byTag:      make(map[string]map[string]struct{}),
		byNS:       make(map[string]map[string]struct{}),
		defaultTTL: defaultTTL,
		log:        log,
	}
}

// Set stores a resource snapshot with its metadata. A non-positive ttl
// uses the cache default. The entry and all secondary indexes are
// updated under one lock.
func (c *Cache) Set(res resource.Resource, meta resource.Metadata, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := resource.Key(res.Type, res.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop stale index references from a previous snapshot of this key.
	if old, ok := c.entries[key]; ok {
		c.unindexLocked(key, old)
	}

	entry := &Entry{
		Resource:  res,
		Meta:      meta,
		ExpiresAt: timeNow().Add(ttl),
	}
	c.entries[key] = entry
	c.indexLocked(key, entry)
}

// Get returns the resource or false if it is missing or expired. An
// expired entry is treated as absent even while physically present.
func (c *Cache) Get(t resource.Type, id string) (*resource.Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[resource.Key(t, id)]
	if !ok || entry.expired(timeNow()) {
		return nil, false
	}
	res := entry.Resource
	return &res, true
}

// Meta returns the freshness metadata for an entry, expired or not.
func (c *Cache) Meta(t resource.Type, id string) (resource.Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[resource.Key(t, id)]
	if !ok {
		return resource.Metadata{}, false
	}
	return entry.Meta, true
}

// ByType returns all live resources of the given type.
func (c *Cache) ByType(t resource.Type) []resource.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.byType[t])
}

// ByTags returns all live resources carrying any of the given tags.
func (c *Cache) ByTags(tags ...string) []resource.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make(map[string]struct{})
	for _, tag := range tags {
		for key := range c.byTag[tag] {
			keys[key] = struct{}{}
		}
	}
	return c.collectLocked(keys)
}

// ByNamespace returns all live resources in the given namespace.
func (c *Cache) ByNamespace(ns string) []resource.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collectLocked(c.byNS[ns])
}

// Invalidate removes an entry immediately. Returns whether it existed.
func (c *Cache) Invalidate(t resource.Type, id string) bool {
	key := resource.Key(t, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	c.unindexLocked(key, entry)
	delete(c.entries, key)
	c.log.Debug("cache entry invalidated", zap.String("key", key))
	return true
}

// NeedsSync answers whether a resource should be re-fetched: true when
// the entry or its metadata is missing, the entry has expired, or the
// known remote modification time is newer than the last sync.
func (c *Cache) NeedsSync(t resource.Type, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[resource.Key(t, id)]
	if !ok || entry.expired(timeNow()) {
		return true
	}
	if entry.Meta.SyncedAt.IsZero() {
		return true
	}
	return entry.Meta.LastModified.After(entry.Meta.SyncedAt)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := timeNow()
	n := 0
	for _, entry := range c.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

// Stats reports live entry counts, total and per type.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := timeNow()
	stats := Stats{ByType: make(map[resource.Type]int)}
	for _, entry := range c.entries {
		if entry.expired(now) {
			continue
		}
		stats.Entries++
		stats.ByType[entry.Resource.Type]++
	}
	return stats
}

// --- index maintenance (callers hold c.mu) ---

func (c *Cache) indexLocked(key string, entry *Entry) {
	t := entry.Resource.Type
	if c.byType[t] == nil {
		c.byType[t] = make(map[string]struct{})
	}
	c.byType[t][key] = struct{}{}

	for _, tag := range entry.Resource.Tags {
		if c.byTag[tag] == nil {
			c.byTag[tag] = make(map[string]struct{})
		}
		c.byTag[tag][key] = struct{}{}
	}

	if ns := entry.Resource.Namespace; ns != "" {
		if c.byNS[ns] == nil {
			c.byNS[ns] = make(map[string]struct{})
		}
		c.byNS[ns][key] = struct{}{}
	}
}

func (c *Cache) unindexLocked(key string, entry *Entry) {
	t := entry.Resource.Type
	delete(c.byType[t], key)
	if len(c.byType[t]) == 0 {
		delete(c.byType, t)
	}

	for _, tag := range entry.Resource.Tags {
		delete(c.byTag[tag], key)
		if len(c.byTag[tag]) == 0 {
			delete(c.byTag, tag)
		}
	}

	if ns := entry.Resource.Namespace; ns != "" {
		delete(c.byNS[ns], key)
		if len(c.byNS[ns]) == 0 {
			delete(c.byNS, ns)
		}
	}
}

// collectLocked gathers the live resources behind a key set.
func (c *Cache) collectLocked(keys map[string]struct{}) []resource.Resource {
	now := timeNow()
	var out []resource.Resource
	for key := range keys {
		entry, ok := c.entries[key]
		if !ok || entry.expired(now) {
			continue
		}
		out = append(out, entry.Resource)
	}
	return out
}
