package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"FxDesk/internal/domain/models"
	"FxDesk/internal/domain/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch     *Orchestrator
	broker   *fakeBroker
	counter  *memCounter
	archive  *recordingSink
	notifier *recordingNotifier
}

func testConfig() OrchestratorConfig {
	cfg := DefaultOrchestratorConfig()
	cfg.ProducerTimeout = time.Second
	cfg.ProducerRetries = 0
	cfg.ProducerBackoff = time.Millisecond
	cfg.ArchiveTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg OrchestratorConfig, producers ...*fakeProducer) *harness {
	t.Helper()
	h := &harness{broker: &fakeBroker{}, counter: &memCounter{}, archive: &recordingSink{}, notifier: &recordingNotifier{}}
	ps := make([]service.Producer, len(producers))
	for i, p := range producers {
		ps[i] = p
	}
	h.orch = NewOrchestrator(cfg, ps, NewAggregator(0.5), NewRiskEngine(DefaultRiskConfig(), nil), h.broker, h.counter,
		WithArchive(h.archive), WithNotifier(h.notifier))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func eurusdTrigger(runID string) models.Trigger {
	return models.Trigger{RunID: runID, Instrument: "EURUSD", AsOf: t0, AccountEquity: dec("10000"), Source: models.SourceCLI}
}

func (h *harness) start(t *testing.T, trig models.Trigger) models.WorkflowRun {
	t.Helper()
	run, err := h.orch.Trigger(context.Background(), trig)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	run, err = h.orch.Await(ctx, run.RunID)
	require.NoError(t, err)
	return run
}

func (h *harness) waitDone(t *testing.T, runID string) models.WorkflowRun {
	t.Helper()
	var run models.WorkflowRun
	require.Eventually(t, func() bool {
		r, err := h.orch.Get(runID)
		require.NoError(t, err)
		run = r
		return r.State.IsTerminal() && len(h.archive.all()) > 0
	}, 3*time.Second, 5*time.Millisecond)
	return run
}

func states(run models.WorkflowRun) []models.RunState {
	out := []models.RunState{}
	for _, tr := range run.History {
		out = append(out, tr.To)
	}
	return out
}

func TestEURUSDAwaitsReviewThenExecutesOnApproval(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateAwaitingReview, run.State, run.Reason)
	assert.Equal(t, "run-00000001", run.RunID)
	require.NotNil(t, run.Thesis)
	assert.InDelta(t, 0.65, run.Thesis.CompositeConfidence, 1e-9)
	require.NotNil(t, run.Proposal)
	assert.Equal(t, int64(20000), run.Proposal.Units)
	assert.Len(t, run.Signals, 3)
	assert.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.broker.calls.Load())

	run, err := h.orch.Decide(context.Background(), run.RunID, models.HumanDecision{Decision: models.DecisionApproved, Reviewer: "alice"})
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, run.State)
	assert.Equal(t, "approved by alice", run.Reason)
	assert.Equal(t, models.ProposalApproved, run.Proposal.Status)
	require.NotNil(t, run.Execution)
	assert.Equal(t, models.ExecutionSubmitted, run.Execution.Status)
	assert.Equal(t, int32(1), h.broker.calls.Load())
	require.NotNil(t, run.Decision)
	assert.Equal(t, "alice", run.Decision.Reviewer)
	assert.Equal(t, []models.RunState{
		models.StateCollecting, models.StateAggregating, models.StateSizing, models.StateAwaitingReview, models.StateApproved,
	}, states(run))

	archived := h.archive.all()
	require.Len(t, archived, 1)
	assert.Equal(t, models.StateApproved, archived[0].State)
	assert.Equal(t, 2, h.notifier.count(), "reviewers hear about the decision")
}

func TestEURUSDAutoApproves(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApproveConfidence = 0.6
	h := newHarness(t, cfg, eurusdProducers()...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateApproved, run.State, run.Reason)
	assert.Contains(t, run.Reason, "auto-approved")
	require.NotNil(t, run.Execution)
	assert.Equal(t, models.ExecutionSubmitted, run.Execution.Status)
	assert.True(t, run.Execution.FillPrice.Equal(dec("1.1")))
	assert.Equal(t, int32(1), h.broker.calls.Load())
	assert.Nil(t, run.Decision)
	assert.Zero(t, h.notifier.count())
}

func TestTriggerIsIdempotentPerRunID(t *testing.T) {
	ps := eurusdProducers()
	h := newHarness(t, testConfig(), ps...)

	first := h.start(t, eurusdTrigger("req-1"))
	require.Equal(t, models.StateAwaitingReview, first.State)

	again, err := h.orch.Trigger(context.Background(), eurusdTrigger("req-1"))
	require.NoError(t, err)
	assert.Equal(t, first.RunID, again.RunID)
	assert.Equal(t, models.StateAwaitingReview, again.State)
	for _, p := range ps {
		assert.Equal(t, int32(1), p.calls.Load(), p.id)
	}
	assert.Zero(t, h.counter.n.Load(), "explicit ids do not consume the counter")
	assert.Len(t, h.orch.List(RunFilter{}), 1)
}

func TestSequentialRunIDs(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	h.counter.n.Store(41)
	for i := 42; i <= 44; i++ {
		run, err := h.orch.Trigger(context.Background(), eurusdTrigger(""))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("run-%08d", i), run.RunID)
	}
}

func TestTriggerRejectsBadInstrument(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	_, err := h.orch.Trigger(context.Background(), models.Trigger{Instrument: "???"})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestAllProducersTimedOutFailsRun(t *testing.T) {
	cfg := testConfig()
	cfg.ProducerTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, blocking(models.ProducerTechnical), blocking(models.ProducerSentiment), blocking(models.ProducerMacro))

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, "all producers timed out: macro, sentiment, technical", run.Reason)
	require.Len(t, run.Signals, 3)
	for id, s := range run.Signals {
		assert.True(t, s.HasFlag(models.FlagTimedOut), id)
		assert.True(t, s.HasFlag(models.FlagLowConfidence), id)
	}
}

func TestTimedOutSentimentForcesReview(t *testing.T) {
	cfg := testConfig()
	cfg.ProducerTimeout = 30 * time.Millisecond
	cfg.AutoApproveConfidence = 0.6
	ps := eurusdProducers()
	ps[1] = blocking(models.ProducerSentiment)
	h := newHarness(t, cfg, ps...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateAwaitingReview, run.State, run.Reason)
	assert.InDelta(t, 0.7, run.Thesis.CompositeConfidence, 1e-9)
	assert.Contains(t, run.History[len(run.History)-1].Reason, "sentiment flagged timed_out")
}

func TestMissingTechnicalRejects(t *testing.T) {
	ps := eurusdProducers()
	h := newHarness(t, testConfig(), ps[1], ps[2])

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateRejected, run.State)
	assert.Equal(t, "no-trade: insufficient-data: missing technical", run.Reason)
	assert.Nil(t, run.Proposal)
	assert.Zero(t, h.broker.calls.Load())
}

func TestRiskViolationRejects(t *testing.T) {
	lv := eurusdLevels()
	lv.Target = dec("1.1050")
	ps := eurusdProducers()
	ps[0] = fixed(models.ProducerTechnical, models.Long, 1, 0.7, models.WithLevels(lv))
	h := newHarness(t, testConfig(), ps...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateRejected, run.State)
	assert.Equal(t, "risk rejected: RR_TOO_LOW", run.Reason)
	require.NotNil(t, run.Proposal)
	assert.Equal(t, models.ProposalRejected, run.Proposal.Status)
	assert.Zero(t, h.broker.calls.Load())
}

func TestProducerFaultFailsRun(t *testing.T) {
	cfg := testConfig()
	cfg.ProducerRetries = 1
	ps := eurusdProducers()
	bad := failing(models.ProducerTechnical, errBoom)
	ps[0] = bad
	h := newHarness(t, cfg, ps...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, models.ProducerTechnical, run.FailedComponent)
	assert.Contains(t, run.Reason, "boom")
	assert.Equal(t, int32(2), bad.calls.Load(), "one retry")
}

func TestProducerRetrySucceeds(t *testing.T) {
	cfg := testConfig()
	cfg.ProducerRetries = 2
	ps := eurusdProducers()
	inner := ps[1]
	flaky := &fakeProducer{id: models.ProducerSentiment}
	flaky.fn = func(ctx context.Context, instrument string, asOf time.Time) (models.Signal, error) {
		if flaky.calls.Load() == 1 {
			return models.Signal{}, errBoom
		}
		return inner.fn(ctx, instrument, asOf)
	}
	ps[1] = flaky
	h := newHarness(t, cfg, ps...)

	run := h.start(t, eurusdTrigger(""))
	assert.Equal(t, models.StateAwaitingReview, run.State, run.Reason)
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestProducerPanicIsAFault(t *testing.T) {
	ps := eurusdProducers()
	ps[2] = &fakeProducer{id: models.ProducerMacro, fn: func(context.Context, string, time.Time) (models.Signal, error) {
		panic("calendar exploded")
	}}
	h := newHarness(t, testConfig(), ps...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, models.ProducerMacro, run.FailedComponent)
	assert.Contains(t, run.Reason, "calendar exploded")
}

func TestEmptySignalIsAFault(t *testing.T) {
	ps := eurusdProducers()
	ps[2] = &fakeProducer{id: models.ProducerMacro, fn: func(context.Context, string, time.Time) (models.Signal, error) {
		return models.Signal{}, nil
	}}
	h := newHarness(t, testConfig(), ps...)

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateFailed, run.State)
	assert.Contains(t, run.Reason, ErrInvariantViolation.Error())
}

func TestCancelDuringCollection(t *testing.T) {
	h := newHarness(t, testConfig(), blocking(models.ProducerTechnical), blocking(models.ProducerSentiment), blocking(models.ProducerMacro))

	run, err := h.orch.Trigger(context.Background(), eurusdTrigger(""))
	require.NoError(t, err)
	assert.Equal(t, models.StateCollecting, run.State)
	require.NoError(t, h.orch.Cancel(run.RunID))

	run = h.waitDone(t, run.RunID)
	assert.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, "cancelled", run.Reason)

	assert.ErrorIs(t, h.orch.Cancel(run.RunID), ErrRunFinished)
	assert.ErrorIs(t, h.orch.Cancel("run-missing"), ErrRunNotFound)
}

func TestCancelDuringSizingNeverSubmits(t *testing.T) {
	cases := map[string]func(ctx context.Context) error{
		"positions return": func(context.Context) error { return nil },
		"positions error":  func(ctx context.Context) error { return ctx.Err() },
	}
	for name, result := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AutoApproveConfidence = 0.6
			ps := eurusdProducers()
			broker := &fakeBroker{}
			var o *Orchestrator
			src := positionsFunc(func(ctx context.Context) ([]models.Position, error) {
				assert.NoError(t, o.Cancel("abort-1"))
				<-ctx.Done()
				return nil, result(ctx)
			})
			o = NewOrchestrator(cfg, []service.Producer{ps[0], ps[1], ps[2]}, NewAggregator(0.5),
				NewRiskEngine(DefaultRiskConfig(), nil), broker, &memCounter{}, WithPositionSource(src))
			defer o.Shutdown(context.Background())

			run, err := o.Trigger(context.Background(), eurusdTrigger("abort-1"))
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			run, err = o.Await(ctx, run.RunID)
			require.NoError(t, err)

			assert.Equal(t, models.StateFailed, run.State)
			assert.Equal(t, "cancelled", run.Reason)
			assert.Empty(t, run.FailedComponent)
			assert.Nil(t, run.Execution)
			assert.Zero(t, broker.calls.Load())
		})
	}
}

func TestCancelWhileAwaitingReview(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateAwaitingReview, run.State)

	require.NoError(t, h.orch.Cancel(run.RunID))
	run = h.waitDone(t, run.RunID)
	assert.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, "cancelled", run.Reason)
	assert.Zero(t, h.broker.calls.Load())
}

func TestReviewTimeoutDefers(t *testing.T) {
	cfg := testConfig()
	cfg.ReviewTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, eurusdProducers()...)

	run, err := h.orch.Trigger(context.Background(), eurusdTrigger(""))
	require.NoError(t, err)
	run = h.waitDone(t, run.RunID)
	assert.Equal(t, models.StateDeferred, run.State)
	assert.Contains(t, run.Reason, "review timed out")
	assert.Equal(t, models.ProposalDeferred, run.Proposal.Status)
	assert.Zero(t, h.broker.calls.Load())
}

func TestReviewerRejects(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	run := h.start(t, eurusdTrigger(""))

	run, err := h.orch.Decide(context.Background(), run.RunID, models.HumanDecision{
		Decision: models.DecisionRejected, Reviewer: "bob", Note: "ECB speaks at noon",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, run.State)
	assert.Equal(t, "rejected by bob: ECB speaks at noon", run.Reason)
	assert.Equal(t, models.ProposalRejected, run.Proposal.Status)
	assert.Nil(t, run.Execution)
	assert.Zero(t, h.broker.calls.Load())

	_, err = h.orch.Decide(context.Background(), run.RunID, models.HumanDecision{Decision: models.DecisionApproved, Reviewer: "bob"})
	assert.ErrorIs(t, err, ErrNotAwaitingReview)
}

func TestDecideValidatesInput(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	run := h.start(t, eurusdTrigger(""))

	_, err := h.orch.Decide(context.Background(), run.RunID, models.HumanDecision{Decision: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = h.orch.Decide(context.Background(), "run-missing", models.HumanDecision{Decision: models.DecisionApproved})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestDecideByProposal(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	run := h.start(t, eurusdTrigger(""))
	require.NotNil(t, run.Proposal)

	run, err := h.orch.DecideByProposal(context.Background(), run.Proposal.ProposalID,
		models.HumanDecision{Decision: models.DecisionApproved, Reviewer: "carol"})
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, run.State)

	_, err = h.orch.DecideByProposal(context.Background(), "nope", models.HumanDecision{Decision: models.DecisionApproved})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestBrokerFailureIsRecordedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApproveConfidence = 0.6
	h := newHarness(t, cfg, eurusdProducers()...)
	h.broker.err = errBoom

	run := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateApproved, run.State)
	require.NotNil(t, run.Execution)
	assert.Equal(t, models.ExecutionFailed, run.Execution.Status)
	assert.Contains(t, run.Execution.Error, ErrExecutionFailure.Error())
	assert.Equal(t, int32(1), h.broker.calls.Load())
}

func TestApproveWithoutBrokerSkipsExecution(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApproveConfidence = 0.6
	ps := eurusdProducers()
	o := NewOrchestrator(cfg, []service.Producer{ps[0], ps[1], ps[2]}, NewAggregator(0.5),
		NewRiskEngine(DefaultRiskConfig(), nil), nil, &memCounter{})
	defer o.Shutdown(context.Background())

	run, err := o.Trigger(context.Background(), eurusdTrigger(""))
	require.NoError(t, err)
	run, err = o.Await(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Equal(t, models.StateApproved, run.State)
	assert.Equal(t, models.ExecutionSkipped, run.Execution.Status)
}

type positionsFunc func(ctx context.Context) ([]models.Position, error)

func (f positionsFunc) OpenPositions(ctx context.Context) ([]models.Position, error) { return f(ctx) }

func TestPositionSourceFeedsCorrelationCheck(t *testing.T) {
	ps := eurusdProducers()
	corr := NewCorrelationModel(map[string]float64{"EURUSD:GBPUSD": 0.9}, 0.5)
	src := positionsFunc(func(context.Context) ([]models.Position, error) {
		return []models.Position{{Instrument: "GBPUSD", Direction: models.Long, Units: 5000}}, nil
	})
	o := NewOrchestrator(testConfig(), []service.Producer{ps[0], ps[1], ps[2]}, NewAggregator(0.5),
		NewRiskEngine(DefaultRiskConfig(), corr), &fakeBroker{}, &memCounter{}, WithPositionSource(src))
	defer o.Shutdown(context.Background())

	run, err := o.Trigger(context.Background(), eurusdTrigger(""))
	require.NoError(t, err)
	run, err = o.Await(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, run.State)
	assert.Equal(t, "risk rejected: CORRELATION_LIMIT", run.Reason)
}

func TestArchiveFailureKeepsState(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApproveConfidence = 0.6
	h := newHarness(t, cfg, eurusdProducers()...)
	h.archive.err = errBoom

	run := h.start(t, eurusdTrigger(""))
	assert.Equal(t, models.StateApproved, run.State)
	assert.Len(t, h.archive.all(), 1)
}

func TestListFiltersNewestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApproveConfidence = 0.6
	h := newHarness(t, cfg, eurusdProducers()...)

	a := h.start(t, eurusdTrigger(""))
	b := h.start(t, eurusdTrigger(""))
	gbp := eurusdTrigger("")
	gbp.Instrument = "GBPUSD"
	c := h.start(t, gbp)

	all := h.orch.List(RunFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{c.RunID, b.RunID, a.RunID}, []string{all[0].RunID, all[1].RunID, all[2].RunID})

	eur := h.orch.List(RunFilter{Instrument: "eur/usd", Limit: 1})
	require.Len(t, eur, 1)
	assert.Equal(t, b.RunID, eur[0].RunID)

	assert.Len(t, h.orch.List(RunFilter{State: models.StateApproved}), 3)
	assert.Empty(t, h.orch.List(RunFilter{State: models.StateRejected}))
}

func TestGetReturnsCopies(t *testing.T) {
	h := newHarness(t, testConfig(), eurusdProducers()...)
	run := h.start(t, eurusdTrigger(""))

	run.Proposal.Units = 1
	run.History[0].Reason = "tampered"
	got, err := h.orch.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), got.Proposal.Units)
	assert.Empty(t, got.History[0].Reason)

	_, err = h.orch.Get("run-missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestFinishedRunsAreEvictedBeyondRetention(t *testing.T) {
	cfg := testConfig()
	cfg.RetainRuns = 2
	h := newHarness(t, cfg, eurusdProducers()...)

	active := h.start(t, eurusdTrigger(""))
	require.Equal(t, models.StateAwaitingReview, active.State)

	var finished []models.WorkflowRun
	for i := 0; i < 3; i++ {
		run := h.start(t, eurusdTrigger(""))
		require.Equal(t, models.StateAwaitingReview, run.State)
		run, err := h.orch.Decide(context.Background(), run.RunID, models.HumanDecision{Decision: models.DecisionRejected, Reviewer: "bob"})
		require.NoError(t, err)
		finished = append(finished, run)
	}

	oldest := finished[0]
	assert.Eventually(t, func() bool {
		_, err := h.orch.Get(oldest.RunID)
		return errors.Is(err, ErrRunNotFound)
	}, 2*time.Second, 5*time.Millisecond)
	_, err := h.orch.DecideByProposal(context.Background(), oldest.Proposal.ProposalID, models.HumanDecision{Decision: models.DecisionApproved})
	assert.ErrorIs(t, err, ErrRunNotFound)

	got, err := h.orch.Get(active.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingReview, got.State, "active runs are kept")

	ids := []string{}
	for _, run := range h.orch.List(RunFilter{}) {
		ids = append(ids, run.RunID)
	}
	assert.Equal(t, []string{finished[2].RunID, finished[1].RunID, active.RunID}, ids)

	again, err := h.orch.Trigger(context.Background(), eurusdTrigger(finished[2].RunID))
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, again.State, "retained run ids still dedup")
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	ps := eurusdProducers()
	o := NewOrchestrator(testConfig(), []service.Producer{ps[0], ps[1], ps[2]}, NewAggregator(0.5),
		NewRiskEngine(DefaultRiskConfig(), nil), &fakeBroker{}, &memCounter{})

	run, err := o.Trigger(context.Background(), eurusdTrigger(""))
	require.NoError(t, err)
	run, err = o.Await(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Equal(t, models.StateAwaitingReview, run.State)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	run, err = o.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, "cancelled", run.Reason)

	_, err = o.Trigger(context.Background(), eurusdTrigger(""))
	assert.ErrorIs(t, err, ErrShuttingDown)
}
