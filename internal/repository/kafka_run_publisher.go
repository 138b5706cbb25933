package repository

import (
	"context"

	"FxDesk/internal/domain/models"
	pkgkafka "FxDesk/pkg/kafka"
)

// MessagePublisher is the part of pkg/kafka.Producer the publisher needs.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...pkgkafka.Header) error
}

// KafkaRunPublisher emits terminal runs keyed by run id.
type KafkaRunPublisher struct {
	producer MessagePublisher
	topic    string
}

func NewKafkaRunPublisher(producer MessagePublisher, topic string) *KafkaRunPublisher {
	return &KafkaRunPublisher{producer: producer, topic: topic}
}

func (p *KafkaRunPublisher) PublishRun(ctx context.Context, run models.WorkflowRun) error {
	return p.producer.Publish(ctx, p.topic, []byte(run.RunID), run,
		pkgkafka.Header{Key: "state", Value: []byte(run.State)},
		pkgkafka.Header{Key: "instrument", Value: []byte(run.Trigger.Instrument)},
	)
}
