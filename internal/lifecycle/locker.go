package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"auction-engine/utils"
)

// Locker grants a named, expiring lock to at most one holder at a time.
// A sweep that cannot take its lock is skipped for that tick.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLocker is a Locker for a single process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates a LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// TryLock takes name if it is free; ttl is not needed in process
func (l *LocalLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, true, nil
}

const redisKeyPrefix = "auction:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another replica is never released by us
var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker shares sweep locks between replicas through Redis
type RedisLocker struct {
	pool *redis.Pool
}

// NewRedisLocker creates a RedisLocker dialing rawURL, e.g. redis://host:6379/0
func NewRedisLocker(rawURL string) *RedisLocker {
	return &RedisLocker{pool: &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawURL,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(1500*time.Millisecond),
				redis.DialWriteTimeout(1500*time.Millisecond),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}}
}

// TryLock sets the lock key with NX and a millisecond expiry
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", name, err)
	}
	defer conn.Close()

	key := redisKeyPrefix + name
	token := utils.GenerateID()
	_, err = redis.String(conn.Do("SET", key, token, "NX", "PX", int(ttl/time.Millisecond)))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", name, err)
	}

	release := func() {
		c := l.pool.Get()
		defer c.Close()
		if _, err := releaseScript.Do(c, key, token); err != nil {
			utils.Warn("redis lock release failed", map[string]any{"lock": name, "error": err.Error()})
		}
	}
	return release, true, nil
}

// Close closes the connection pool
func (l *RedisLocker) Close() error {
	return l.pool.Close()
}
