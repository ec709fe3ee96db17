package routing

import (
	"strconv"
	"time"

	"github.com/hrygo/divinesense-router/ai/cache"
)

// ClassificationCache memoizes classifications per registry generation.
// Any registry write changes the generation, so stale entries are never hit.
// Negative results (no match) are cached too.
type ClassificationCache struct {
	lru *cache.LRU[string, *Classification]
}

// NewClassificationCache creates a cache holding up to size classifications.
func NewClassificationCache(size int, ttl time.Duration) *ClassificationCache {
	return &ClassificationCache{lru: cache.NewLRU[string, *Classification](size, ttl)}
}

// Get returns a private copy of the cached classification.
func (c *ClassificationCache) Get(generation uint64, normalized string) (*Classification, bool) {
	cls, ok := c.lru.Get(cacheKey(generation, normalized))
	if !ok {
		return nil, false
	}
	return cls.clone(), true
}

// Put stores a copy of cls.
func (c *ClassificationCache) Put(generation uint64, normalized string, cls *Classification) {
	c.lru.Set(cacheKey(generation, normalized), cls.clone())
}

// Stats reports cache usage.
func (c *ClassificationCache) Stats() cache.Stats {
	return c.lru.Stats()
}

func cacheKey(generation uint64, normalized string) string {
	return strconv.FormatUint(generation, 10) + "|" + normalized
}
