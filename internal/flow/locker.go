package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout indicates the per-user lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for user lock")

// UserLocker serializes requests of the same user.
type UserLocker interface {
	// Lock blocks until the user's lock is held or ctx is done. The returned
	// function releases the lock.
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// KeyedMutex is an in-process UserLocker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, userID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[userID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[userID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				k.release(userID, e)
			})
		}, nil
	case <-ctx.Done():
		k.release(userID, e)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, userID, ctx.Err())
	}
}

func (k *KeyedMutex) release(userID string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, userID)
	}
}

// Redis lock defaults.
const (
	DefaultRedisLockTTL   = 2 * time.Minute
	DefaultRedisLockRetry = 50 * time.Millisecond
	redisLockPrefix       = "wellnesscoach:lock:"
)

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a UserLocker shared by all server instances using one Redis.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker connects to redisURL. ttl bounds how long a crashed holder
// keeps the lock; non-positive selects DefaultRedisLockTTL.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	return &RedisLocker{client: redis.NewClient(opts), ttl: ttl, retry: DefaultRedisLockRetry}, nil
}

// Ping checks the connection.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Lock(ctx context.Context, userID string) (func(), error) {
	key := redisLockPrefix + userID
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			slog.Debug("RedisLocker.Lock: lock acquired", "userID", userID)
			return func() { r.unlock(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, userID, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}

func (r *RedisLocker) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		slog.Error("RedisLocker.unlock: release failed", "key", key, "error", err)
	}
}

// Close closes the Redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
