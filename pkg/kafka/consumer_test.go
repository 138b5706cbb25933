package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffWithJitterStaysInRange(t *testing.T) {
	minD, maxD := 50*time.Millisecond, 400*time.Millisecond
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffWithJitter(minD, maxD, attempt)
		assert.LessOrEqual(t, d, maxD)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestPermanentErrorUnwraps(t *testing.T) {
	base := errors.New("bad payload")
	err := fmt.Errorf("decode: %w", &PermanentError{Err: base})

	var perm *PermanentError
	assert.True(t, errors.As(err, &perm))
	assert.ErrorIs(t, err, base)
}

func TestNewConsumerRequiresBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{}, nil)
	assert.Error(t, err)

	c, err := NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	assert.Error(t, c.Start(), "no handlers")
}

type queueReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *queueReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *queueReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type scriptedHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (h *scriptedHandler) Topic() string { return "fxdesk.triggers" }

func (h *scriptedHandler) Handle(_ context.Context, key, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[string(key)]++
	if string(key) == "panic" {
		panic("boom")
	}
	return h.fail[string(key)]
}

func (h *scriptedHandler) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[key]
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	msgs := []kafka.Message{
		{Key: []byte("ok"), Value: []byte("{}"), Offset: 1},
		{Key: []byte("bad"), Value: []byte("x"), Offset: 2},
		{Key: []byte("flaky"), Value: []byte("{}"), Offset: 3},
		{Key: []byte("panic"), Value: []byte("{}"), Offset: 4},
	}
	reader := &queueReader{queue: msgs}
	dlq := &memWriter{}
	h := &scriptedHandler{
		calls: map[string]int{},
		fail: map[string]error{
			"bad":   &PermanentError{Err: errors.New("malformed")},
			"flaky": errors.New("orchestrator busy"),
		},
	}

	c := newConsumer(ConsumerConfig{
		GroupID:      "test",
		Workers:      1,
		BufferSize:   4,
		RetryMax:     2,
		BackoffMin:   time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		DLQTopic:     "fxdesk.triggers.dlq",
		FetchTimeout: 50 * time.Millisecond,
	}, nil, func(string) messageReader { return reader }, dlq)
	c.RegisterHandler(h)
	require.NoError(t, c.Start())

	assert.Eventually(t, func() bool { return len(reader.commits()) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits(), "one lane keeps offset order")
	assert.Equal(t, 1, h.count("ok"))
	assert.Equal(t, 1, h.count("bad"), "permanent errors are not retried")
	assert.Equal(t, 3, h.count("flaky"), "first try plus two retries")
	assert.Equal(t, 1, h.count("panic"))

	require.Len(t, dlq.msgs, 3)
	assert.Equal(t, "bad", string(dlq.msgs[0].Key))
	assert.Equal(t, "fxdesk.triggers.dlq", dlq.msgs[0].Topic)
	headers := map[string]string{}
	for _, hd := range dlq.msgs[1].Headers {
		headers[hd.Key] = string(hd.Value)
	}
	assert.Equal(t, "fxdesk.triggers", headers["source_topic"])
	assert.Equal(t, "3", headers["source_offset"])
	assert.Equal(t, "3", headers["attempts"])
	assert.Contains(t, headers["error"], "orchestrator busy")

	assert.True(t, reader.closed)
	assert.True(t, dlq.closed)
}

func TestConsumerStopLeavesAbandonedRecordUncommitted(t *testing.T) {
	reader := &queueReader{queue: []kafka.Message{{Key: []byte("slow"), Offset: 9}}}
	started := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, _, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	c := newConsumer(ConsumerConfig{Workers: 1, BufferSize: 1, RetryMax: 1, FetchTimeout: 50 * time.Millisecond},
		nil, func(string) messageReader { return reader }, nil)
	c.RegisterHandler(h)
	require.NoError(t, c.Start())

	<-started
	require.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, reader.commits())
}

type handlerFunc func(ctx context.Context, key, value []byte) error

func (f handlerFunc) Topic() string { return "fxdesk.triggers" }

func (f handlerFunc) Handle(ctx context.Context, key, value []byte) error { return f(ctx, key, value) }
