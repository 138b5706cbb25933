package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// Header is a Kafka record header.
type Header = kafka.Header

// ProducerConfig configures NewProducer. Zero fields take the default tag,
// so RequiredAcks 0 means all replicas.
type ProducerConfig struct {
	Brokers      []string      `validate:"required,min=1,dive,hostname_port"`
	RequiredAcks int           `default:"-1" validate:"oneof=-1 0 1"`
	Compression  string        `default:"gzip" validate:"oneof=none gzip snappy lz4 zstd"`
	MaxAttempts  int           `default:"3" validate:"min=1"`
	WriteTimeout time.Duration `default:"10s"`
	ReadTimeout  time.Duration `default:"10s"`
	BatchSize    int           `default:"100" validate:"min=1"`
	BatchBytes   int64         `default:"1048576" validate:"min=1"`
	BatchTimeout time.Duration `default:"50ms"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes run events. Records are hashed by key, so every
// event of one run lands on the same partition in order.
type Producer struct {
	writer messageWriter
	now    func() time.Time
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("producer defaults: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("producer config: %w", err)
	}
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  compressionCodec(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		BatchSize:    cfg.BatchSize,
		BatchBytes:   cfg.BatchBytes,
		BatchTimeout: cfg.BatchTimeout,
	}), nil
}

func newProducer(w messageWriter) *Producer {
	registerProducerMetrics()
	return &Producer{writer: w, now: time.Now}
}

// Publish sends one record to topic. Values other than []byte and string
// are JSON encoded and tagged with a content-type header.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...Header) error {
	v, isJSON, err := encodeValue(value)
	if err != nil {
		return err
	}
	if isJSON {
		headers = append(headers, Header{Key: "content-type", Value: []byte("application/json")})
	}

	start := p.now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   v,
		Headers: headers,
		Time:    start,
	})
	producerMetrics.observe(topic, len(v), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func encodeValue(value interface{}) ([]byte, bool, error) {
	switch val := value.(type) {
	case []byte:
		return val, false, nil
	case string:
		return []byte(val), false, nil
	default:
		v, err := json.Marshal(value)
		if err != nil {
			return nil, false, fmt.Errorf("marshal value: %w", err)
		}
		return v, true, nil
	}
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	default:
		return kafka.Gzip
	}
}

type publishMetrics struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	producerMetrics     *publishMetrics
	producerMetricsOnce sync.Once
)

func registerProducerMetrics() {
	producerMetricsOnce.Do(func() {
		producerMetrics = &publishMetrics{
			messages: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fxdesk_kafka_producer_messages_total",
				Help: "Records published to Kafka by topic and result",
			}, []string{"topic", "result"}),
			bytes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fxdesk_kafka_producer_bytes_total",
				Help: "Payload bytes published",
			}, []string{"topic"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fxdesk_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"topic"}),
		}
	})
}

func (m *publishMetrics) observe(topic string, n int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(topic, result).Inc()
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
	if err == nil {
		m.bytes.WithLabelValues(topic).Add(float64(n))
	}
}
