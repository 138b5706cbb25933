package service

import (
	"context"
	"time"

	"FxDesk/internal/domain/models"
)

// Retriever runs a similarity search against an external document store.
type Retriever interface {
	Search(ctx context.Context, text string, topK int) ([]models.Document, error)
}

// Broker submits approved orders.
type Broker interface {
	Submit(ctx context.Context, p models.OrderProposal) (models.ExecutionAck, error)
}

// PositionSource lists the current open positions.
type PositionSource interface {
	OpenPositions(ctx context.Context) ([]models.Position, error)
}

// CalendarSource lists macro events scheduled in [from, to].
type CalendarSource interface {
	Events(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error)
}

// ReviewNotifier tells reviewers about runs that need or got a decision.
type ReviewNotifier interface {
	NotifyReview(ctx context.Context, run models.WorkflowRun)
}
