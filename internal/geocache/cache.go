// Package geocache is the geo response cache: content-addressed entries with
// per-kind TTL, lazy expiry on read, and a batch sweep of expired rows.
package geocache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Entry is one cached provider response.
type Entry struct {
	Key       string          `json:"key"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store is one cache tier. Get returns nil for a miss and may return expired
// entries; expiry is evaluated by Cache.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e Entry) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Policy maps kinds to TTLs.
type Policy struct {
	TextTTL    time.Duration
	ReverseTTL time.Duration
}

// DefaultPolicy keeps text and details for 14 days and reverse lookups for 30.
func DefaultPolicy() Policy {
	return Policy{TextTTL: 14 * 24 * time.Hour, ReverseTTL: 30 * 24 * time.Hour}
}

// TTL returns the lifetime for kind.
func (p Policy) TTL(kind Kind) time.Duration {
	if kind == KindReverse {
		return p.ReverseTTL
	}
	return p.TextTTL
}

// Cache layers an optional fast front tier over a durable tier.
type Cache struct {
	durable Store
	front   Store
	policy  Policy
	nowFunc func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithFront adds a front tier consulted before the durable store.
func WithFront(s Store) Option {
	return func(c *Cache) { c.front = s }
}

// WithPolicy overrides the TTL policy.
func WithPolicy(p Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = now }
}

// New creates a Cache over durable.
func New(durable Store, opts ...Option) *Cache {
	c := &Cache{durable: durable, policy: DefaultPolicy(), nowFunc: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached payload for key when present and unexpired. The
// payload is returned verbatim whichever provider produced it.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	now := c.nowFunc()

	if c.front != nil {
		e, err := c.front.Get(ctx, key)
		if err != nil {
			zap.L().Debug("geocache: front tier read failed", zap.String("key", key), zap.Error(err))
		} else if e != nil && !e.Expired(now) {
			return e.Payload, true, nil
		}
	}

	e, err := c.durable.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if e == nil || e.Expired(now) {
		return nil, false, nil
	}

	if c.front != nil {
		if err := c.front.Put(ctx, *e); err != nil {
			zap.L().Debug("geocache: front tier backfill failed", zap.String("key", key), zap.Error(err))
		}
	}
	return e.Payload, true, nil
}

// Set stores payload under key with the TTL for kind.
func (c *Cache) Set(ctx context.Context, kind Kind, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrapf(err, "geocache: marshal %s", key)
	}
	now := c.nowFunc()
	e := Entry{
		Key:       key,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(c.policy.TTL(kind)),
	}
	if err := c.durable.Put(ctx, e); err != nil {
		return err
	}
	if c.front != nil {
		if err := c.front.Put(ctx, e); err != nil {
			zap.L().Debug("geocache: front tier write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Lookup decodes the cached payload for key into T.
func Lookup[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, eris.Wrapf(err, "geocache: decode %s", key)
	}
	return out, true, nil
}

// Sweep deletes expired durable entries in batches of batch until a partial
// batch comes back, and returns the total removed.
func (c *Cache) Sweep(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	now := c.nowFunc()
	var total int64
	for {
		n, err := c.durable.DeleteExpired(ctx, now, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, eris.Wrap(err, "geocache: sweep cancelled")
		}
	}
}
