package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(2, 1).WithClock(func() time.Time { return now })

	assert.True(t, l.Allow("EURUSD"))
	assert.True(t, l.Allow("EURUSD"))
	assert.False(t, l.Allow("EURUSD"))
	assert.True(t, l.Allow("GBPUSD"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("EURUSD"))
	assert.False(t, l.Allow("EURUSD"))
}
