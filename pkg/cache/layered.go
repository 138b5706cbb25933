package cache

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// LayerStats counts where reads were served from.
type LayerStats struct {
	L1Hits uint64
	L2Hits uint64
	Misses uint64
}

// LayeredCache keeps a per-process memory L1 in front of a shared L2.
// Writes go through to L2 first; L1 entries never outlive MemoryTTL, so
// an invalidation on another instance is seen within that bound.
type LayeredCache struct {
	l1    *MemoryCache
	l2    Store
	l1TTL time.Duration

	l1Hits, l2Hits, misses atomic.Uint64
}

type LayeredOption func(*LayeredCache)

// WithLayeredMemorySize bounds the L1 entry count.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(lc *LayeredCache) {
		_ = lc.l1.Close()
		lc.l1 = NewMemoryCache(WithMemoryMaxSize(size))
	}
}

func WithLayeredMemoryTTL(ttl time.Duration) LayeredOption {
	return func(lc *LayeredCache) {
		if ttl > 0 {
			lc.l1TTL = ttl
		}
	}
}

// NewLayeredCache fronts l2, usually a *RedisCache, with a memory L1.
func NewLayeredCache(l2 Store, opts ...LayeredOption) *LayeredCache {
	lc := &LayeredCache{
		l1:    NewMemoryCache(),
		l2:    l2,
		l1TTL: time.Minute,
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

func (lc *LayeredCache) Stats() LayerStats {
	return LayerStats{L1Hits: lc.l1Hits.Load(), L2Hits: lc.l2Hits.Load(), Misses: lc.misses.Load()}
}

func (lc *LayeredCache) ttlFor(expiration time.Duration) time.Duration {
	if expiration > 0 && expiration < lc.l1TTL {
		return expiration
	}
	return lc.l1TTL
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := lc.l2.Set(ctx, key, data, expiration); err != nil {
		return err
	}
	return lc.l1.Set(ctx, key, data, lc.ttlFor(expiration))
}

// Get serves from L1, then L2. An L2 hit is promoted into L1.
func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.l1.Get(ctx, key, dest); err == nil {
		lc.l1Hits.Add(1)
		return nil
	}

	var raw []byte
	if err := lc.l2.Get(ctx, key, &raw); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			lc.misses.Add(1)
		}
		return err
	}
	lc.l2Hits.Add(1)
	_ = lc.l1.Set(ctx, key, raw, lc.l1TTL)
	return decode(raw, dest)
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.l1.Delete(ctx, keys...)
	return lc.l2.Delete(ctx, keys...)
}

func (lc *LayeredCache) DeleteByPattern(ctx context.Context, pattern string) error {
	_ = lc.l1.DeleteByPattern(ctx, pattern)
	return lc.l2.DeleteByPattern(ctx, pattern)
}

// Increment, TryLock and Unlock bypass L1: counters and locks must be
// shared by every instance.
func (lc *LayeredCache) Increment(ctx context.Context, key string) (int64, error) {
	_ = lc.l1.Delete(ctx, key)
	return lc.l2.Increment(ctx, key)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return lc.l2.TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key string) error {
	return lc.l2.Unlock(ctx, key)
}

// Close stops L1 and closes L2 when it is closable.
func (lc *LayeredCache) Close() error {
	_ = lc.l1.Close()
	if c, ok := lc.l2.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
