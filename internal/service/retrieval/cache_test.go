package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/pkg/cache"
	xhttp "FxDesk/pkg/http"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	docs    []models.Document
}

func (f *fakeRetriever) Search(ctx context.Context, text string, topK int) ([]models.Document, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, r *fakeRetriever, cfg Config) (*Cache, *clock) {
	t.Helper()
	store := cache.NewMemoryCache()
	t.Cleanup(func() { _ = store.Close() })
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(store, r, cfg, WithClock(clk.now)), clk
}

var query = models.RetrievalQuery{Text: "EURUSD  EUR USD forex news", TopK: 5}

func TestRetrieveCachesWithinTTL(t *testing.T) {
	r := &fakeRetriever{docs: []models.Document{{ID: "a", Score: 0.2}, {ID: "b", Score: 0.9}}}
	c, clk := newCache(t, r, Config{TTL: time.Minute, CallTimeout: time.Second})

	first, err := c.Retrieve(context.Background(), query)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "b", first.Documents[0].ID, "documents sorted by descending score")

	second, err := c.Retrieve(context.Background(), models.RetrievalQuery{Text: "eurusd eur usd FOREX news", TopK: 5})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.EqualValues(t, 1, r.calls.Load())

	clk.advance(time.Minute)
	third, err := c.Retrieve(context.Background(), query)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestRetrieveDifferentTopKIsDifferentKey(t *testing.T) {
	r := &fakeRetriever{}
	c, _ := newCache(t, r, Config{TTL: time.Minute})

	_, err := c.Retrieve(context.Background(), query)
	require.NoError(t, err)
	_, err = c.Retrieve(context.Background(), models.RetrievalQuery{Text: query.Text, TopK: 6})
	require.NoError(t, err)
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestRetrieveCollapsesConcurrentMisses(t *testing.T) {
	r := &fakeRetriever{release: make(chan struct{}), docs: []models.Document{{ID: "x", Score: 1}}}
	c, _ := newCache(t, r, Config{TTL: time.Minute, CallTimeout: 2 * time.Second})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Retrieve(context.Background(), query)
			if err == nil && len(res.Documents) != 1 {
				err = errors.New("missing documents")
			}
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestCallerTimeoutDoesNotAbortSharedCall(t *testing.T) {
	r := &fakeRetriever{release: make(chan struct{}), docs: []models.Document{{ID: "x", Score: 1}}}
	c, _ := newCache(t, r, Config{TTL: time.Minute, CallTimeout: 2 * time.Second})

	impatient, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Retrieve(impatient, query)
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)

	done := make(chan models.RetrievalResult, 1)
	go func() {
		res, err := c.Retrieve(context.Background(), query)
		if err == nil {
			done <- res
		}
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(r.release)

	res, ok := <-done
	require.True(t, ok)
	assert.Len(t, res.Documents, 1)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestRetrieveRetriesThenFails(t *testing.T) {
	cause := errors.New("vector store down")
	r := &fakeRetriever{err: cause}
	c, _ := newCache(t, r, Config{TTL: time.Minute, Retries: 2, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	_, err := c.Retrieve(context.Background(), query)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.EqualValues(t, 3, r.calls.Load())
}

func TestRetrieveDoesNotRetryClientErrors(t *testing.T) {
	r := &fakeRetriever{err: &xhttp.StatusError{Method: "POST", Path: "/search", StatusCode: 400, Body: "bad top_k"}}
	c, _ := newCache(t, r, Config{TTL: time.Minute, Retries: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	_, err := c.Retrieve(context.Background(), query)
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.EqualValues(t, 1, r.calls.Load())

	r.err = &xhttp.StatusError{StatusCode: 503}
	_, err = c.Retrieve(context.Background(), models.RetrievalQuery{Text: "other", TopK: 3})
	assert.Error(t, err)
	assert.EqualValues(t, 5, r.calls.Load(), "5xx is retried")
}

func TestRetrieveWithoutRetriever(t *testing.T) {
	store := cache.NewMemoryCache()
	defer store.Close()
	c := New(store, nil, Config{})

	_, err := c.Retrieve(context.Background(), query)
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestInvalidate(t *testing.T) {
	r := &fakeRetriever{}
	c, _ := newCache(t, r, Config{TTL: time.Minute})
	ctx := context.Background()

	_, _ = c.Retrieve(ctx, query)
	require.NoError(t, c.Invalidate(ctx, query))
	_, _ = c.Retrieve(ctx, query)
	assert.EqualValues(t, 2, r.calls.Load())

	require.NoError(t, c.InvalidateAll(ctx))
	_, _ = c.Retrieve(ctx, query)
	assert.EqualValues(t, 3, r.calls.Load())
}
