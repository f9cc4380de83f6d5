// Package leader elects a single risk-sweep leader across a fleet using a
// lease held in a shared store.
package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/funding-engine/internal/clock"
)

// Lock is a lease-capable coordination store. Every method is scoped to an
// owner identity: Renew and Release succeed only while owner holds the key.
type Lock interface {
	// Acquire takes the lease if nobody holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Renew extends the lease only if owner still holds it.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease only if owner still holds it.
	Release(ctx context.Context, key, owner string) (bool, error)
}

// Compare-and-extend and compare-and-delete must be atomic on the server.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock implements Lock with SET NX PX and Lua compare scripts.
type RedisLock struct {
	rdb *redis.Client
}

// NewRedisLock creates a Redis-backed lock.
func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{rdb: rdb}
}

func (l *RedisLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader acquire %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLock) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("leader renew %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLock) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("leader release %s: %w", key, err)
	}
	return n == 1, nil
}

// MemoryLock implements Lock in process. Used for single-instance
// deployments and tests; leases expire against the injected clock.
type MemoryLock struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryLock creates an in-memory lock.
func NewMemoryLock(clk clock.Clock) *MemoryLock {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryLock{clock: clk, leases: make(map[string]lease)}
}

func (l *MemoryLock) held(key string) (lease, bool) {
	ls, ok := l.leases[key]
	if !ok || !l.clock.Now().Before(ls.expires) {
		return lease{}, false
	}
	return ls, true
}

func (l *MemoryLock) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held(key); ok {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expires: l.clock.Now().Add(ttl)}
	return true, nil
}

func (l *MemoryLock) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.held(key)
	if !ok || ls.owner != owner {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expires: l.clock.Now().Add(ttl)}
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.held(key)
	if !ok || ls.owner != owner {
		return false, nil
	}
	delete(l.leases, key)
	return true, nil
}

// Holder returns the current owner of key, or "" (tests).
func (l *MemoryLock) Holder(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, _ := l.held(key)
	return ls.owner
}

// Steal hands key to owner regardless of the current holder (tests).
func (l *MemoryLock) Steal(key, owner string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases[key] = lease{owner: owner, expires: l.clock.Now().Add(ttl)}
}
