package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisManager grants leases with redislock. Locks are remembered per
// process so the same Manager must release what it acquired.
type RedisManager struct {
	client redis.UniversalClient
	locker *redislock.Client
	prefix string

	mu    sync.Mutex
	locks map[string]*redislock.Lock

	nowFunc func() time.Time
}

// NewRedisManager creates a RedisManager.
func NewRedisManager(client redis.UniversalClient) *RedisManager {
	return &RedisManager{
		client:  client,
		locker:  redislock.New(client),
		prefix:  "lease:",
		locks:   make(map[string]*redislock.Lock),
		nowFunc: time.Now,
	}
}

func (m *RedisManager) ownerKey(resource string) string {
	return m.prefix + resource + ":owner"
}

// TryAcquire implements Manager.
func (m *RedisManager) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (Result, error) {
	key := m.prefix + resource
	lock, err := m.locker.Obtain(ctx, key, ttl, &redislock.Options{Metadata: owner})
	if errors.Is(err, redislock.ErrNotObtained) {
		res := Result{}
		if holder, err := m.client.Get(ctx, m.ownerKey(resource)).Result(); err == nil {
			res.HeldBy = holder
		}
		if left, err := m.client.PTTL(ctx, key).Result(); err == nil && left > 0 {
			res.HeldUntil = m.nowFunc().Add(left)
		}
		return res, nil
	}
	if err != nil {
		return Result{}, eris.Wrapf(err, "lease: obtain %s", resource)
	}

	if err := m.client.Set(ctx, m.ownerKey(resource), owner, ttl).Err(); err != nil {
		_ = lock.Release(ctx)
		return Result{}, eris.Wrapf(err, "lease: record owner of %s", resource)
	}

	m.mu.Lock()
	m.locks[resource] = lock
	m.mu.Unlock()
	return Result{Acquired: true, HeldBy: owner, HeldUntil: m.nowFunc().Add(ttl)}, nil
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, resource, owner string) error {
	m.mu.Lock()
	lock, ok := m.locks[resource]
	if ok && lock.Metadata() == owner {
		delete(m.locks, resource)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return eris.Wrapf(err, "lease: release %s", resource)
	}
	return eris.Wrapf(m.client.Del(ctx, m.ownerKey(resource)).Err(), "lease: clear owner of %s", resource)
}
