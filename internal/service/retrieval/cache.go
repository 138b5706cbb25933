package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/domain/service"
	svcmetrics "FxDesk/internal/service/metrics"
	"FxDesk/pkg/cache"
	xhttp "FxDesk/pkg/http"
	applogger "FxDesk/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// ErrRetrievalUnavailable means no result could be produced for a query.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

const keyPrefix = "retrieval"

type Config struct {
	TTL         time.Duration
	CallTimeout time.Duration
	Retries     int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

type entry struct {
	Key       string            `json:"key"`
	Documents []models.Document `json:"documents"`
	StoredAt  time.Time         `json:"stored_at"`
}

// Cache fronts a Retriever with a TTL cache. Concurrent misses on one key
// share a single upstream call.
type Cache struct {
	store     cache.Store
	retriever service.Retriever
	cfg       Config
	group     singleflight.Group
	now       func() time.Time
	log       *applogger.Logger
}

type Option func(*Cache)

// WithClock overrides the clock used for entry age.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l *applogger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// New builds a retrieval cache. A nil retriever makes every miss fail with
// ErrRetrievalUnavailable.
func New(store cache.Store, retriever service.Retriever, cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 50 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	c := &Cache{
		store:     store,
		retriever: retriever,
		cfg:       cfg,
		now:       time.Now,
		log:       applogger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the storage key of q.
func Key(q models.RetrievalQuery) string {
	return cache.Key(keyPrefix, cache.HashKey(q.CacheKey()))
}

// Retrieve returns cached documents for q, or fetches them once per key.
func (c *Cache) Retrieve(ctx context.Context, q models.RetrievalQuery) (models.RetrievalResult, error) {
	key := Key(q)
	if e, ok := c.lookup(ctx, key); ok {
		svcmetrics.RetrievalRequests.WithLabelValues("hit").Inc()
		return e.result(true), nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(ctx, key, q)
	})

	select {
	case <-ctx.Done():
		return models.RetrievalResult{}, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			svcmetrics.RetrievalRequests.WithLabelValues("error").Inc()
			return models.RetrievalResult{}, res.Err
		}
		if res.Shared {
			svcmetrics.RetrievalRequests.WithLabelValues("collapsed").Inc()
		} else {
			svcmetrics.RetrievalRequests.WithLabelValues("miss").Inc()
		}
		return res.Val.(entry).result(false), nil
	}
}

// Invalidate removes the cached entry for q.
func (c *Cache) Invalidate(ctx context.Context, q models.RetrievalQuery) error {
	if err := c.store.Delete(ctx, Key(q)); err != nil {
		return fmt.Errorf("invalidate retrieval entry: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached retrieval entry.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if err := c.store.DeleteByPattern(ctx, cache.Prefix(keyPrefix)); err != nil {
		return fmt.Errorf("invalidate retrieval entries: %w", err)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, key string) (entry, bool) {
	var e entry
	if err := c.store.Get(ctx, key, &e); err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.log.Warn("retrieval cache read failed", applogger.String("key", key), applogger.Error(err))
		}
		return entry{}, false
	}
	if c.now().Sub(e.StoredAt) >= c.cfg.TTL {
		return entry{}, false
	}
	return e, true
}

// fetch runs once per key. It is detached from the caller's cancellation so
// a caller giving up does not fail the waiters sharing the call.
func (c *Cache) fetch(parent context.Context, key string, q models.RetrievalQuery) (entry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.CallTimeout)
	defer cancel()

	if e, ok := c.lookup(ctx, key); ok {
		return e, nil
	}
	if c.retriever == nil {
		return entry{}, fmt.Errorf("%w: no retriever configured", ErrRetrievalUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return entry{}, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, lastErr)
			case <-time.After(c.backoff(attempt)):
			}
		}

		start := time.Now()
		docs, err := c.retriever.Search(ctx, q.Text, q.TopK)
		if err == nil {
			svcmetrics.RetrievalUpstreamLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
			return c.storeEntry(ctx, key, docs), nil
		}
		svcmetrics.RetrievalUpstreamLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		lastErr = err
		c.log.Warn("retriever search failed",
			applogger.String("key", key),
			applogger.Int("attempt", attempt+1),
			applogger.Error(err),
		)
		var se *xhttp.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			break
		}
	}
	return entry{}, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, lastErr)
}

func (c *Cache) storeEntry(ctx context.Context, key string, docs []models.Document) entry {
	sorted := append([]models.Document(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	e := entry{Key: key, Documents: sorted, StoredAt: c.now()}
	if err := c.store.Set(ctx, key, e, c.cfg.TTL); err != nil {
		c.log.Warn("retrieval cache write failed", applogger.String("key", key), applogger.Error(err))
	}
	return e
}

func (c *Cache) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffMin << uint(attempt-1)
	if d > c.cfg.BackoffMax || d <= 0 {
		d = c.cfg.BackoffMax
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (e entry) result(cached bool) models.RetrievalResult {
	return models.RetrievalResult{
		Key:       e.Key,
		Documents: append([]models.Document(nil), e.Documents...),
		FetchedAt: e.StoredAt,
		Cached:    cached,
	}
}
