// Package cache is an in-memory TTL cache whose loads are de-duplicated
// across concurrent callers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity bounds the number of entries held at once.
const DefaultCapacity = 256

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	items *ttlcache.Cache[string, V]
	group singleflight.Group
	ttl   time.Duration

	loadTimeout time.Duration
}

// New returns a cache with the given TTL and capacity. A ttl <= 0 disables
// storage but still collapses concurrent loads of the same key.
func New[V any](ttl time.Duration, capacity uint64) *Cache[V] {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		items: ttlcache.New[string, V](
			ttlcache.WithTTL[string, V](ttl),
			ttlcache.WithCapacity[string, V](capacity),
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
		ttl: ttl,
	}
}

// Key derives a stable cache key from its parts.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WithLoadTimeout bounds each shared load started by Do. Zero leaves loads
// unbounded.
func (c *Cache[V]) WithLoadTimeout(d time.Duration) *Cache[V] {
	c.loadTimeout = d
	return c
}

// Get returns a live entry.
func (c *Cache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under key with the cache TTL.
func (c *Cache[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache[V]) Len() int {
	return c.items.Len()
}

// Do returns the cached value for key, or runs load once for all concurrent
// callers and caches a successful result. cached reports a cache hit.
// The load keeps the starting caller's values but not its cancellation:
// one caller giving up does not fail the others waiting on key.
func (c *Cache[V]) Do(ctx context.Context, key string, load func(context.Context) (V, error)) (value V, cached bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		lctx := context.WithoutCancel(ctx)
		if c.loadTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, c.loadTimeout)
			defer cancel()
		}
		v, err := load(lctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(V)
		return v, false, res.Err
	}
}
