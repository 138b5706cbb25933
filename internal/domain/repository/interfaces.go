package repository

import (
	"context"
	"time"

	"FxDesk/internal/domain/models"
)

// BarStore provides read access to OHLCV bars.
type BarStore interface {
	// GetLatestNBars returns up to n bars that closed at or before asOf,
	// oldest first.
	GetLatestNBars(ctx context.Context, instrument string, n int, tf Timeframe, asOf time.Time) ([]models.Bar, error)
}

// RunArchive persists terminal workflow runs.
type RunArchive interface {
	Archive(ctx context.Context, run models.WorkflowRun) error
}

// RunPublisher emits run events for downstream consumers.
type RunPublisher interface {
	PublishRun(ctx context.Context, run models.WorkflowRun) error
}

// RunCounter hands out monotonically increasing run sequence numbers.
type RunCounter interface {
	Next(ctx context.Context) (int64, error)
}

// Metrics records pipeline metrics.
type Metrics interface {
	RecordTransition(from, to string)
	RecordTerminal(state, instrument string, d time.Duration)
	RecordProducer(producer, outcome string, d time.Duration)
	RecordExecution(status string)
	RecordError(kind string)
}
