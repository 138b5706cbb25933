package repository

import (
	"context"
	"fmt"

	"FxDesk/pkg/cache"
)

const runSequenceKey = "run:seq"

// CacheRunCounter mints run sequence numbers with the cache's atomic
// Increment: Redis INCR or the mutex-guarded memory counter.
type CacheRunCounter struct {
	store cache.Store
	key   string
}

func NewCacheRunCounter(store cache.Store) *CacheRunCounter {
	return &CacheRunCounter{store: store, key: runSequenceKey}
}

func (c *CacheRunCounter) Next(ctx context.Context) (int64, error) {
	n, err := c.store.Increment(ctx, c.key)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", c.key, err)
	}
	return n, nil
}
