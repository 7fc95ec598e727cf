package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/genai"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Session cache defaults, overridable with SESSION_CACHE_SIZE and SESSION_TTL.
const (
	DefaultSessionCacheSize = 1024
	DefaultSessionTTL       = 30 * time.Minute
)

// SessionFactory opens a new agent session.
type SessionFactory func() (genai.Session, error)

// SessionCache keeps one agent session per (user, session) pair. Entries
// expire after the TTL and are dropped when the cache is full.
type SessionCache struct {
	lru   *expirable.LRU[string, genai.Session]
	group singleflight.Group
}

// NewSessionCache creates a cache. Non-positive arguments select the defaults.
func NewSessionCache(size int, ttl time.Duration) *SessionCache {
	if size <= 0 {
		size = DefaultSessionCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	onEvict := func(key string, _ genai.Session) {
		slog.Debug("SessionCache: session evicted", "key", key)
	}
	return &SessionCache{lru: expirable.NewLRU[string, genai.Session](size, onEvict, ttl)}
}

// SessionKey joins the user and session identifiers.
func SessionKey(userID, sessionID string) string {
	return userID + "|" + sessionID
}

// GetOrCreate returns the cached session for key, opening one with create on
// a miss. Concurrent misses for the same key share a single create call.
func (c *SessionCache) GetOrCreate(key string, create SessionFactory) (genai.Session, bool, error) {
	if s, ok := c.lru.Get(key); ok {
		return s, true, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if s, ok := c.lru.Get(key); ok {
			return s, nil
		}
		s, err := create()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, s)
		slog.Debug("SessionCache.GetOrCreate: session created", "key", key)
		return s, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session %s: %w", key, err)
	}
	return v.(genai.Session), false, nil
}

// Evict removes the session for key.
func (c *SessionCache) Evict(key string) {
	if c.lru.Remove(key) {
		slog.Debug("SessionCache.Evict: session removed", "key", key)
	}
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	return c.lru.Len()
}
