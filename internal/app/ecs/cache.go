package ecs

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default bound on cached getEntitiesWithComponents
// results.
const DefaultCacheSize = 1024

// queryCache memoizes getEntitiesWithComponents results, keyed structurally
// on the sorted component id list, and tracks which cache keys depend on
// each component id so a write can invalidate precisely the affected
// entries.
type queryCache struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, []uint64]
	dependsOn map[uint64]map[string]struct{}
}

func newQueryCache(size int) *queryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[string, []uint64](size)
	return &queryCache{
		entries:   c,
		dependsOn: make(map[uint64]map[string]struct{}),
	}
}

// cacheKey builds the structural key for a (multiset of) component ids:
// the sorted, deduplicated id list joined by commas.
func cacheKey(componentIDs []uint64) string {
	sorted := append([]uint64(nil), componentIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, 0, len(sorted))
	var last uint64
	first := true
	for _, id := range sorted {
		if !first && id == last {
			continue
		}
		parts = append(parts, strconv.FormatUint(id, 10))
		last = id
		first = false
	}
	return strings.Join(parts, ",")
}

func (c *queryCache) get(componentIDs []uint64) ([]uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(cacheKey(componentIDs))
}

func (c *queryCache) put(componentIDs []uint64, entities []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(componentIDs)
	c.entries.Add(key, entities)
	for _, id := range componentIDs {
		set, ok := c.dependsOn[id]
		if !ok {
			set = make(map[string]struct{})
			c.dependsOn[id] = set
		}
		set[key] = struct{}{}
	}
}

// invalidate drops every cached query that touched componentID.
func (c *queryCache) invalidate(componentID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.dependsOn[componentID] {
		c.entries.Remove(key)
	}
	delete(c.dependsOn, componentID)
}

// purge drops the entire cache, used when an operation (e.g. deleteEntity)
// may touch an unbounded set of columns.
func (c *queryCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.dependsOn = make(map[uint64]map[string]struct{})
}
