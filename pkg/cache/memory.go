package cache

import (
	"container/list"
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// defaultMemoryTTL applies when Set is called without an expiration.
const defaultMemoryTTL = 7 * 24 * time.Hour

type MemoryOption func(*MemoryConfig)

type MemoryConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
	Clock           func() time.Time
}

// WithMemoryMaxSize bounds the entry count; the least recently used entry
// is evicted first.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) {
		if size > 0 {
			c.MaxSize = size
		}
	}
}

func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		if interval > 0 {
			c.CleanupInterval = interval
		}
	}
}

// WithMemoryClock overrides the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryConfig) {
		if now != nil {
			c.Clock = now
		}
	}
}

type memEntry struct {
	key      string
	value    []byte
	expireAt time.Time // zero never expires
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// MemoryCache is the single-process Store and the L1 of LayeredCache. The
// list front holds the most recently used entry.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	now     func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		CleanupInterval: 5 * time.Minute,
		Clock:           time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: cfg.MaxSize,
		now:     cfg.Clock,
		stop:    make(chan struct{}),
	}
	go mc.sweep(cfg.CleanupInterval)
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = defaultMemoryTTL
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.put(key, data, mc.now().Add(expiration))
	return nil
}

// put stores or replaces key and evicts from the back past maxSize.
// Caller holds the lock.
func (mc *MemoryCache) put(key string, data []byte, expireAt time.Time) {
	if el, ok := mc.items[key]; ok {
		e := el.Value.(*memEntry)
		e.value, e.expireAt = data, expireAt
		mc.lru.MoveToFront(el)
		return
	}
	mc.items[key] = mc.lru.PushFront(&memEntry{key: key, value: data, expireAt: expireAt})
	for mc.lru.Len() > mc.maxSize {
		mc.remove(mc.lru.Back())
	}
}

// get returns a live entry and marks it used. Caller holds the lock.
func (mc *MemoryCache) get(key string) (*memEntry, bool) {
	el, ok := mc.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if e.expired(mc.now()) {
		mc.remove(el)
		return nil, false
	}
	mc.lru.MoveToFront(el)
	return e, true
}

func (mc *MemoryCache) remove(el *list.Element) {
	if el == nil {
		return
	}
	mc.lru.Remove(el)
	delete(mc.items, el.Value.(*memEntry).key)
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	e, ok := mc.get(key)
	var data []byte
	if ok {
		data = e.value
	}
	mc.mu.Unlock()

	if !ok {
		return ErrCacheMiss
	}
	return decode(data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		mc.remove(mc.items[key])
	}
	return nil
}

// DeleteByPattern removes keys matching a glob pattern (path.Match syntax,
// a subset of Redis MATCH).
func (mc *MemoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for key, el := range mc.items {
		if ok, _ := path.Match(pattern, key); ok {
			mc.remove(el)
		}
	}
	return nil
}

// Increment behaves like Redis INCR: missing keys start at zero and the
// counter never expires.
func (mc *MemoryCache) Increment(_ context.Context, key string) (int64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var cur int64
	if e, ok := mc.get(key); ok {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = v
	}
	cur++
	mc.put(key, []byte(strconv.FormatInt(cur, 10)), time.Time{})
	return cur, nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.get(key); ok {
		return false, nil
	}
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	mc.put(key, []byte("locked"), mc.now().Add(ttl))
	return true, nil
}

func (mc *MemoryCache) Unlock(ctx context.Context, key string) error {
	return mc.Delete(ctx, key)
}

// Len reports the number of stored keys, expired ones included.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.lru.Len()
}

func (mc *MemoryCache) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-t.C:
			mc.mu.Lock()
			now := mc.now()
			for _, el := range mc.items {
				if el.Value.(*memEntry).expired(now) {
					mc.remove(el)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// Close stops the sweeper.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() { close(mc.stop) })
	return nil
}
