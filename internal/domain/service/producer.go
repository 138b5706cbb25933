package service

import (
	"context"
	"time"

	"FxDesk/internal/domain/models"
)

// Capabilities describes what a producer reads.
type Capabilities struct {
	UsesRetrieval  bool `json:"uses_retrieval"`
	UsesTimeSeries bool `json:"uses_time_series"`
}

// Producer analyzes one instrument and returns a signal. Analyze must be
// free of side effects so it can be retried.
type Producer interface {
	ID() string
	Capabilities() Capabilities
	Analyze(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error)
}

// PolarityScorer maps a text to a sentiment polarity in [-1, 1].
type PolarityScorer interface {
	Polarity(text string) float64
}
