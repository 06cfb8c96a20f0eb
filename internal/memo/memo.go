// Package memo provides an in-process memoized value with expiry.
package memo

import (
	"context"
	"sync"
	"time"
)

// Value lazily loads a T through a loader and serves the cached result until
// ttl elapses or Invalidate is called. Load errors are not cached.
type Value[T any] struct {
	load func(ctx context.Context) (T, error)
	ttl  time.Duration

	mu       sync.Mutex
	val      T
	loadedAt time.Time
	valid    bool

	nowFunc func() time.Time
}

// Option configures a Value.
type Option[T any] func(*Value[T])

// WithClock overrides the clock used for expiry.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(v *Value[T]) { v.nowFunc = now }
}

// New creates a memoized value.
func New[T any](ttl time.Duration, load func(ctx context.Context) (T, error), opts ...Option[T]) *Value[T] {
	v := &Value[T]{load: load, ttl: ttl, nowFunc: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Get returns the cached value, reloading it when stale.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.nowFunc()
	if v.valid && now.Sub(v.loadedAt) < v.ttl {
		return v.val, nil
	}

	val, err := v.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	v.val = val
	v.loadedAt = now
	v.valid = true
	return val, nil
}

// Invalidate drops the cached value so the next Get reloads.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	v.valid = false
	v.mu.Unlock()
}
