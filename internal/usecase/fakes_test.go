package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/domain/service"

	"github.com/shopspring/decimal"
)

type fakeProducer struct {
	id    string
	fn    func(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error)
	calls atomic.Int32
}

func (p *fakeProducer) ID() string                         { return p.id }
func (p *fakeProducer) Capabilities() service.Capabilities { return service.Capabilities{} }
func (p *fakeProducer) Analyze(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error) {
	p.calls.Add(1)
	return p.fn(ctx, instrument, asOf)
}

func fixed(id string, dir models.Direction, magnitude, confidence float64, opts ...models.SignalOption) *fakeProducer {
	return &fakeProducer{id: id, fn: func(_ context.Context, instrument string, asOf time.Time) (models.Signal, error) {
		return models.NewSignal(id, instrument, asOf, dir, magnitude, confidence, id+" fixed", opts...), nil
	}}
}

func blocking(id string) *fakeProducer {
	return &fakeProducer{id: id, fn: func(ctx context.Context, _ string, _ time.Time) (models.Signal, error) {
		<-ctx.Done()
		return models.Signal{}, ctx.Err()
	}}
}

func failing(id string, err error) *fakeProducer {
	return &fakeProducer{id: id, fn: func(context.Context, string, time.Time) (models.Signal, error) {
		return models.Signal{}, err
	}}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// eurusdLevels: entry 1.1000, stop 50 pips below, target 100 pips above.
func eurusdLevels() models.Levels {
	return models.Levels{
		Direction: models.Long,
		Entry:     dec("1.1000"),
		Stop:      dec("1.0950"),
		Target:    dec("1.1100"),
		ATR:       dec("0.00333"),
	}
}

func eurusdProducers() []*fakeProducer {
	return []*fakeProducer{
		fixed(models.ProducerTechnical, models.Long, 1, 0.7, models.WithLevels(eurusdLevels())),
		fixed(models.ProducerSentiment, models.Long, 1, 0.6),
		fixed(models.ProducerMacro, models.Neutral, 0, 0.3),
	}
}

type memCounter struct{ n atomic.Int64 }

func (c *memCounter) Next(context.Context) (int64, error) { return c.n.Add(1), nil }

type fakeBroker struct {
	calls atomic.Int32
	err   error
}

func (b *fakeBroker) Submit(_ context.Context, p models.OrderProposal) (models.ExecutionAck, error) {
	b.calls.Add(1)
	if b.err != nil {
		return models.ExecutionAck{}, b.err
	}
	return models.ExecutionAck{OrderID: "ord-" + p.ProposalID, FillPrice: p.Entry, AcceptedAt: time.Now()}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	runs []models.WorkflowRun
	err  error
}

func (s *recordingSink) Archive(_ context.Context, run models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return s.err
}

func (s *recordingSink) PublishRun(ctx context.Context, run models.WorkflowRun) error {
	return s.Archive(ctx, run)
}

func (s *recordingSink) all() []models.WorkflowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WorkflowRun(nil), s.runs...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []models.WorkflowRun
}

func (n *recordingNotifier) NotifyReview(_ context.Context, run models.WorkflowRun) {
	n.mu.Lock()
	n.runs = append(n.runs, run)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.runs)
}

var errBoom = errors.New("boom")
