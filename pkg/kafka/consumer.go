package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	applogger "FxDesk/pkg/logger"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, key, value []byte) error
}

// PermanentError marks a handler failure that retrying cannot fix, such as
// a malformed payload. It goes straight to the DLQ.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ConsumerConfig configures NewConsumer. Zero fields take the default tag,
// so RetryMax 0 means the default of 3.
type ConsumerConfig struct {
	Brokers      []string      `validate:"required,min=1,dive,hostname_port"`
	GroupID      string        `default:"fxdesk" validate:"required"`
	Workers      int           `default:"1" validate:"min=1"`
	BufferSize   int           `default:"10" validate:"min=1"`
	RetryMax     int           `default:"3"`
	BackoffMin   time.Duration `default:"50ms"`
	BackoffMax   time.Duration `default:"2s"`
	DLQTopic     string
	MinBytes     int           `default:"1"`
	MaxBytes     int           `default:"10000000"`
	FetchTimeout time.Duration `default:"3s"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads registered topics through a consumer group and hands
// records to a fixed set of worker lanes. A partition always maps to the
// same lane, so records of one partition are handled in offset order.
type Consumer struct {
	cfg       ConsumerConfig
	log       *applogger.Logger
	newReader func(topic string) messageReader
	dlq       messageWriter

	handlers map[string]MessageHandler
	readers  map[string]messageReader
	lanes    []chan kafka.Message

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

func NewConsumer(cfg ConsumerConfig, log *applogger.Logger) (*Consumer, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("consumer defaults: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("consumer config: %w", err)
	}
	newReader := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.Hash{}}
	}
	return newConsumer(cfg, log, newReader, dlq), nil
}

func newConsumer(cfg ConsumerConfig, log *applogger.Logger, newReader func(string) messageReader, dlq messageWriter) *Consumer {
	if log == nil {
		log = applogger.Nop()
	}
	registerConsumerMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:       cfg,
		log:       log,
		newReader: newReader,
		dlq:       dlq,
		handlers:  make(map[string]MessageHandler),
		readers:   make(map[string]messageReader),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterHandler routes h.Topic() to h. Call it before Start.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	topic := h.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("kafka handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = h
}

// Start opens one reader per registered topic and starts the lanes.
func (c *Consumer) Start() error {
	if c.started {
		return errors.New("kafka consumer already started")
	}
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	c.started = true

	c.lanes = make([]chan kafka.Message, c.cfg.Workers)
	for i := range c.lanes {
		c.lanes[i] = make(chan kafka.Message, c.cfg.BufferSize)
		c.wg.Add(1)
		go c.work(c.lanes[i])
	}
	for topic := range c.handlers {
		r := c.newReader(topic)
		c.readers[topic] = r
		c.wg.Add(1)
		go c.fetch(topic, r)
	}
	c.log.Info("kafka consumer started",
		applogger.String("group", c.cfg.GroupID),
		applogger.Int("workers", c.cfg.Workers),
		applogger.Int("topics", len(c.readers)),
	)
	return nil
}

// Stop cancels in-flight handlers and waits for the lanes to drain before
// closing readers. A record abandoned this way is not committed.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		}
		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("close kafka reader", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.log.Warn("close dlq writer", applogger.Error(cerr))
			}
		}
		c.log.Info("kafka consumer stopped")
	})
	return err
}

func (c *Consumer) fetch(topic string, r messageReader) {
	defer c.wg.Done()
	failures := 0
	for {
		fctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
		msg, err := r.FetchMessage(fctx)
		cancel()
		if c.ctx.Err() != nil || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			failures++
			c.log.Warn("kafka fetch failed", applogger.String("topic", topic), applogger.Error(err))
			if !c.sleep(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, failures)) {
				return
			}
			continue
		}
		failures = 0
		if msg.Topic == "" {
			msg.Topic = topic
		}

		select {
		case c.lanes[msg.Partition%len(c.lanes)] <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work(lane <-chan kafka.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-lane:
			c.process(msg)
		}
	}
}

func (c *Consumer) process(msg kafka.Message) {
	h, ok := c.handlers[msg.Topic]
	if !ok {
		return
	}
	start := time.Now()
	attempts, err := c.handle(h, msg)

	outcome := "ok"
	if err != nil {
		if c.ctx.Err() != nil {
			c.log.Warn("kafka record abandoned on shutdown",
				applogger.String("topic", msg.Topic), applogger.Int64("offset", msg.Offset))
			return
		}
		outcome = c.deadLetter(msg, attempts, err)
	}

	// Commit after a DLQ write too, so a poison record does not block the partition.
	c.commit(msg)
	consumerMetrics.handled.WithLabelValues(msg.Topic, outcome).Inc()
	consumerMetrics.latency.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
}

func (c *Consumer) handle(h MessageHandler, msg kafka.Message) (attempts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PermanentError{Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	for attempts = 1; ; attempts++ {
		err = h.Handle(c.ctx, msg.Key, msg.Value)
		var perm *PermanentError
		if err == nil || errors.As(err, &perm) || attempts > c.cfg.RetryMax {
			return attempts, err
		}
		if !c.sleep(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)) {
			return attempts, err
		}
	}
}

func (c *Consumer) deadLetter(msg kafka.Message, attempts int, cause error) string {
	c.log.Error("kafka record failed",
		applogger.String("topic", msg.Topic),
		applogger.Int("partition", msg.Partition),
		applogger.Int64("offset", msg.Offset),
		applogger.Int("attempts", attempts),
		applogger.Error(cause),
	)
	if c.dlq == nil {
		return "dropped"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(msg.Topic)},
			{Key: "source_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			{Key: "attempts", Value: []byte(strconv.Itoa(attempts))},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("write dlq", applogger.String("topic", c.cfg.DLQTopic), applogger.Error(err))
		return "dropped"
	}
	return "dlq"
}

func (c *Consumer) commit(msg kafka.Message) {
	r := c.readers[msg.Topic]
	if r == nil {
		return
	}
	const attempts = 3
	var err error
	for i := 1; i <= attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, i))
	}
	c.log.Error("kafka commit failed",
		applogger.String("topic", msg.Topic), applogger.Int64("offset", msg.Offset), applogger.Error(err))
}

// sleep waits d and reports false if the consumer stopped first.
func (c *Consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := min << uint(attempt-1)
	if exp > max || exp <= 0 {
		exp = max
	}
	// up to 50% jitter
	return exp - time.Duration(rand.Int63n(int64(exp)/2+1))
}

type handleMetrics struct {
	handled *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	consumerMetrics     *handleMetrics
	consumerMetricsOnce sync.Once
)

func registerConsumerMetrics() {
	consumerMetricsOnce.Do(func() {
		consumerMetrics = &handleMetrics{
			handled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fxdesk_kafka_consumer_records_total",
				Help: "Records handled by topic and outcome (ok, dlq, dropped)",
			}, []string{"topic", "outcome"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name: "fxdesk_kafka_consumer_handle_seconds",
				Help: "Handling time per record, retries included",
			}, []string{"topic"}),
		}
	})
}
