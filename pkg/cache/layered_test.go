package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayeredCachePromotesL2Hits(t *testing.T) {
	ctx := context.Background()
	l2, _ := newTestCache(t)
	lc := NewLayeredCache(l2, WithLayeredMemorySize(8), WithLayeredMemoryTTL(time.Minute))
	defer lc.Close()

	require.NoError(t, l2.Set(ctx, "retrieval:x", payload{Name: "ecb", Score: 0.9}, time.Hour))

	var got payload
	require.NoError(t, lc.Get(ctx, "retrieval:x", &got))
	assert.Equal(t, "ecb", got.Name)
	require.NoError(t, lc.Get(ctx, "retrieval:x", &got))

	var missing payload
	assert.ErrorIs(t, lc.Get(ctx, "retrieval:y", &missing), ErrCacheMiss)

	assert.Equal(t, LayerStats{L1Hits: 1, L2Hits: 1, Misses: 1}, lc.Stats())
}

func TestLayeredCacheWritesThroughAndInvalidates(t *testing.T) {
	ctx := context.Background()
	l2, _ := newTestCache(t)
	lc := NewLayeredCache(l2)
	defer lc.Close()

	require.NoError(t, lc.Set(ctx, "retrieval:a", "doc", time.Hour))
	var s string
	require.NoError(t, l2.Get(ctx, "retrieval:a", &s))
	assert.Equal(t, "doc", s)

	require.NoError(t, lc.DeleteByPattern(ctx, Prefix("retrieval")))
	assert.ErrorIs(t, lc.Get(ctx, "retrieval:a", &s), ErrCacheMiss)
	assert.Zero(t, l2.Len())
}

func TestLayeredCacheCountersAndLocksLiveInL2(t *testing.T) {
	ctx := context.Background()
	l2, _ := newTestCache(t)
	a := NewLayeredCache(l2)
	b := NewLayeredCache(l2)

	n, err := a.Increment(ctx, "run:seq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = b.Increment(ctx, "run:seq")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "both instances share one sequence")

	ok, err := a.TryLock(ctx, "tick", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = b.TryLock(ctx, "tick", time.Minute)
	assert.False(t, ok)
	require.NoError(t, a.Unlock(ctx, "tick"))
	ok, _ = b.TryLock(ctx, "tick", time.Minute)
	assert.True(t, ok)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "retrieval:abc", Key("retrieval", "abc"))
	assert.Equal(t, "retrieval:*", Prefix("retrieval"))
	assert.Len(t, HashKey("EURUSD ECB"), 32)
	assert.Equal(t, HashKey("q"), HashKey("q"))
}
