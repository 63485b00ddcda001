package readpath

import (
	"sync"
	"time"
)

// resultCache is the §4.2 bounded, short-lived success cache keyed by the
// same coalescing key as the in-flight singleflight group. A plain map +
// mutex is used rather than a third-party LRU — see DESIGN.md.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	result  *Result
	expires time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry), maxSize: maxSize, ttl: ttl}
}

func (c *resultCache) get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.result, true
}

func (c *resultCache) put(key string, res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxSize {
			return // overflow short-circuits to non-coalesced execution next time
		}
	}
	c.entries[key] = cacheEntry{result: res, expires: time.Now().Add(c.ttl)}
}
