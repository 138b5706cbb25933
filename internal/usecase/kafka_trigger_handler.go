package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
	xhttp "FxDesk/pkg/http"
	pkgkafka "FxDesk/pkg/kafka"
)

// Triggerer starts workflow runs.
type Triggerer interface {
	Trigger(ctx context.Context, t models.Trigger) (models.WorkflowRun, error)
}

// KafkaTriggerHandler starts a run for every trigger message. A message
// without run_id uses its key, so redelivery hits the same run.
type KafkaTriggerHandler struct {
	topic   string
	runs    Triggerer
	metrics domrepo.Metrics
	now     func() time.Time
}

func NewKafkaTriggerHandler(topic string, runs Triggerer, metrics domrepo.Metrics) *KafkaTriggerHandler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &KafkaTriggerHandler{topic: topic, runs: runs, metrics: metrics, now: time.Now}
}

func (h *KafkaTriggerHandler) Topic() string { return h.topic }

// incoming message schema: TriggerRequest
func (h *KafkaTriggerHandler) Handle(ctx context.Context, key, value []byte) error {
	var req models.TriggerRequest
	if err := json.Unmarshal(value, &req); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return &pkgkafka.PermanentError{Err: fmt.Errorf("decode trigger: %w", err)}
	}
	if err := xhttp.ValidateStruct(ctx, &req); err != nil {
		h.metrics.RecordError("consumer_validate")
		return &pkgkafka.PermanentError{Err: fmt.Errorf("validate trigger: %s", xhttp.DescribeValidation(err))}
	}
	if req.RunID == "" && len(key) > 0 {
		req.RunID = "kafka-" + string(key)
	}
	trig, err := req.ToTrigger(h.now(), models.SourceKafka)
	if err != nil {
		h.metrics.RecordError("consumer_validate")
		return &pkgkafka.PermanentError{Err: err}
	}
	if _, err := h.runs.Trigger(ctx, trig); err != nil {
		if errors.Is(err, ErrInvalidTrigger) {
			return &pkgkafka.PermanentError{Err: err}
		}
		h.metrics.RecordError("consumer_trigger")
		return err
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaTriggerHandler)(nil)
