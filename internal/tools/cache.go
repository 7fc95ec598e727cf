package tools

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Result cache defaults.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	content  string
	storedAt time.Time
}

// ResultCache keeps recent results of read-only tools.
type ResultCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
	now func() time.Time
}

// NewResultCache creates a cache holding up to size entries for ttl.
func NewResultCache(size int, ttl time.Duration) (*ResultCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &ResultCache{lru: c, ttl: ttl, now: time.Now}, nil
}

// Get returns a fresh cached result.
func (c *ResultCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		c.lru.Remove(key)
		return "", false
	}
	return e.content, true
}

// Add stores a result.
func (c *ResultCache) Add(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cacheEntry{content: content, storedAt: c.now()})
}

// Len returns the number of cached entries, including stale ones.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}

// CacheKey builds a key from the tool name and its arguments in canonical
// form, so argument order and spacing do not matter.
func CacheKey(tool string, args json.RawMessage) string {
	var v interface{}
	if err := DecodeArgs(args, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			return tool + "|" + string(b)
		}
	}
	return tool + "|" + string(bytes.TrimSpace(args))
}
