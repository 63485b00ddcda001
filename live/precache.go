package live

import (
	"sync"
	"time"
)

// Response is the prebuilt read result stashed for a waiting long-poll
// URL so its wake-up can skip storage entirely.
type Response struct {
	Body        []byte
	NextOffset  string
	UpToDate    bool
	Closed      bool
	WriteTimestampMS int64
	CachedAt    time.Time
}

// ResponseCache is the process-local, bounded pre-cache keyed by request
// URL. It is shared across every stream in the process, matching the
// spec's "per-process response cache... keys are request URLs."
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]Response
	maxSize int
}

// NewResponseCache returns a cache bounded at maxSize entries; once full,
// Put silently drops the write (a pre-cache miss just falls through to a
// normal read, which is always correct, only slower).
func NewResponseCache(maxSize int) *ResponseCache {
	return &ResponseCache{entries: make(map[string]Response), maxSize: maxSize}
}

// Put stashes resp for url. Pre-cache failures (including this being a
// no-op past capacity) must never propagate to the caller.
func (c *ResponseCache) Put(url string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[url]; !exists && len(c.entries) >= c.maxSize {
		return
	}
	resp.CachedAt = time.Now()
	c.entries[url] = resp
}

// Take returns and removes the cached response for url, if any. A waiter
// consumes its entry exactly once on wake-up.
func (c *ResponseCache) Take(url string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[url]
	if ok {
		delete(c.entries, url)
	}
	return resp, ok
}

// Len reports the number of cached entries, for metrics/tests.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
