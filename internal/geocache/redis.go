package geocache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisStore is a hot front tier. Entries carry a native Redis TTL, so
// DeleteExpired has nothing to do.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	nowFunc func() time.Time
}

// NewRedisStore creates a RedisStore. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "geocache:"
	}
	return &RedisStore{client: client, prefix: prefix, nowFunc: time.Now}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "geocache: redis get %s", key)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrapf(err, "geocache: redis decode %s", key)
	}
	return &e, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	ttl := e.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return eris.Wrapf(err, "geocache: redis encode %s", e.Key)
	}
	return eris.Wrapf(s.client.Set(ctx, s.prefix+e.Key, raw, ttl).Err(), "geocache: redis put %s", e.Key)
}

// DeleteExpired implements Store.
func (s *RedisStore) DeleteExpired(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}
