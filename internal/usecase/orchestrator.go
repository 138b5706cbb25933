package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
	"FxDesk/internal/domain/service"
	svcmetrics "FxDesk/internal/service/metrics"
	applogger "FxDesk/pkg/logger"
	"FxDesk/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type OrchestratorConfig struct {
	ProducerTimeout       time.Duration
	ProducerRetries       int
	ProducerBackoff       time.Duration
	AutoApproveConfidence float64
	LowConfidence         float64
	MaxStaleness          time.Duration
	ReviewTimeout         time.Duration // 0 waits for a reviewer indefinitely
	ArchiveTimeout        time.Duration
	RetainRuns            int // finished runs kept for lookup and run id dedup
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ProducerTimeout:       3 * time.Second,
		ProducerRetries:       1,
		ProducerBackoff:       100 * time.Millisecond,
		AutoApproveConfidence: 0.75,
		LowConfidence:         0.2,
		MaxStaleness:          2 * time.Hour,
		ArchiveTimeout:        5 * time.Second,
		RetainRuns:            1000,
	}
}

type OrchestratorOption func(*Orchestrator)

func WithArchive(a domrepo.RunArchive) OrchestratorOption {
	return func(o *Orchestrator) { o.archive = a }
}

func WithPublisher(p domrepo.RunPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithNotifier(n service.ReviewNotifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPositionSource supplies open positions when a trigger carries none.
func WithPositionSource(s service.PositionSource) OrchestratorOption {
	return func(o *Orchestrator) { o.positions = s }
}

func WithMetrics(m domrepo.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithOrchestratorLogger(l *applogger.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// RunFilter narrows List.
type RunFilter struct {
	State      models.RunState
	Instrument string
	Limit      int
}

// Orchestrator drives workflow runs through the state machine. Each run is
// owned by its goroutine; the registry lock only guards the maps.
type Orchestrator struct {
	cfg        OrchestratorConfig
	producers  []service.Producer
	aggregator *Aggregator
	risk       *RiskEngine
	broker     service.Broker
	counter    domrepo.RunCounter

	archive   domrepo.RunArchive
	publisher domrepo.RunPublisher
	notifier  service.ReviewNotifier
	positions service.PositionSource
	metrics   domrepo.Metrics
	log       *applogger.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu         sync.RWMutex
	runs       map[string]*runHandle
	order      []string
	byProposal map[string]string
	closed     bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig, producers []service.Producer, agg *Aggregator, risk *RiskEngine,
	broker service.Broker, counter domrepo.RunCounter, opts ...OrchestratorOption) *Orchestrator {
	if cfg.ProducerTimeout <= 0 {
		cfg.ProducerTimeout = 3 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 5 * time.Second
	}
	if cfg.RetainRuns <= 0 {
		cfg.RetainRuns = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		producers:  producers,
		aggregator: agg,
		risk:       risk,
		broker:     broker,
		counter:    counter,
		metrics:    nopMetrics{},
		log:        applogger.Nop(),
		tracer:     tracing.Tracer("fxdesk/orchestrator"),
		now:        time.Now,
		runs:       map[string]*runHandle{},
		byProposal: map[string]string{},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type runHandle struct {
	mu        sync.RWMutex
	run       models.WorkflowRun
	changed   chan struct{}
	done      chan struct{}
	decisions chan models.HumanDecision
	cancel    context.CancelFunc
	log       *applogger.Logger
}

func (h *runHandle) snapshot() models.WorkflowRun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.Clone()
}

func (h *runHandle) state() models.RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run.State
}

func (h *runHandle) update(fn func(*models.WorkflowRun)) {
	h.mu.Lock()
	fn(&h.run)
	h.broadcastLocked()
	h.mu.Unlock()
}

func (h *runHandle) broadcastLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *runHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Trigger starts a run. A trigger whose run id is already known returns the
// current snapshot and changes nothing.
func (o *Orchestrator) Trigger(ctx context.Context, t models.Trigger) (models.WorkflowRun, error) {
	in, err := models.ParseInstrument(t.Instrument)
	if err != nil {
		return models.WorkflowRun{}, fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	t = t.Clone()
	t.Instrument = in.Symbol
	if t.AsOf.IsZero() {
		t.AsOf = o.now().UTC()
	}
	explicit := t.RunID != ""

	for {
		if !explicit {
			seq, err := o.counter.Next(ctx)
			if err != nil {
				return models.WorkflowRun{}, fmt.Errorf("mint run id: %w", err)
			}
			t.RunID = fmt.Sprintf("run-%08d", seq)
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return models.WorkflowRun{}, ErrShuttingDown
		}
		if h, ok := o.runs[t.RunID]; ok {
			o.mu.Unlock()
			if explicit {
				return h.snapshot(), nil
			}
			continue
		}
		h, runCtx := o.register(t)
		o.mu.Unlock()

		if err := o.move(h, models.StateCollecting, "", nil); err != nil {
			h.log.Error("start run", applogger.Error(err))
		}
		go o.execute(runCtx, h)
		return h.snapshot(), nil
	}
}

// register must be called with o.mu held.
func (o *Orchestrator) register(t models.Trigger) (*runHandle, context.Context) {
	now := o.now().UTC()
	ctx, cancel := context.WithCancel(o.baseCtx)
	h := &runHandle{
		run: models.WorkflowRun{
			RunID:     t.RunID,
			State:     models.StateIdle,
			Trigger:   t,
			Signals:   map[string]models.Signal{},
			StartedAt: now,
			UpdatedAt: now,
		},
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		decisions: make(chan models.HumanDecision, 1),
		cancel:    cancel,
		log:       o.log.With(applogger.Run(t.RunID, t.Instrument)...),
	}
	o.runs[t.RunID] = h
	o.order = append(o.order, t.RunID)
	o.wg.Add(1)
	return h, ctx
}

func (o *Orchestrator) lookup(runID string) *runHandle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[runID]
}

// Get returns a copy of the run.
func (o *Orchestrator) Get(runID string) (models.WorkflowRun, error) {
	h := o.lookup(runID)
	if h == nil {
		return models.WorkflowRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return h.snapshot(), nil
}

// List returns copies of matching runs, newest first.
func (o *Orchestrator) List(f RunFilter) []models.WorkflowRun {
	o.mu.RLock()
	handles := make([]*runHandle, 0, len(o.order))
	for i := len(o.order) - 1; i >= 0; i-- {
		handles = append(handles, o.runs[o.order[i]])
	}
	o.mu.RUnlock()

	inst := ""
	if f.Instrument != "" {
		inst = models.NormalizeSymbol(f.Instrument)
	}
	var out []models.WorkflowRun
	for _, h := range handles {
		run := h.snapshot()
		if f.State != "" && run.State != f.State {
			continue
		}
		if inst != "" && run.Trigger.Instrument != inst {
			continue
		}
		out = append(out, run)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Await blocks until the run is finished or waiting for a reviewer.
func (o *Orchestrator) Await(ctx context.Context, runID string) (models.WorkflowRun, error) {
	h := o.lookup(runID)
	if h == nil {
		return models.WorkflowRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	for {
		h.mu.RLock()
		st, changed := h.run.State, h.changed
		h.mu.RUnlock()
		if h.finished() || st == models.StateAwaitingReview {
			return h.snapshot(), nil
		}
		select {
		case <-changed:
		case <-h.done:
		case <-ctx.Done():
			return h.snapshot(), ctx.Err()
		}
	}
}

// Decide hands a reviewer's decision to a run in AwaitingReview and waits
// for the run to finish.
func (o *Orchestrator) Decide(ctx context.Context, runID string, d models.HumanDecision) (models.WorkflowRun, error) {
	h := o.lookup(runID)
	if h == nil {
		return models.WorkflowRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if d.Decision != models.DecisionApproved && d.Decision != models.DecisionRejected {
		return h.snapshot(), fmt.Errorf("%w: %q", ErrInvalidDecision, d.Decision)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = o.now().UTC()
	}
	if st := h.state(); st != models.StateAwaitingReview {
		return h.snapshot(), fmt.Errorf("%w: run %s is %s", ErrNotAwaitingReview, runID, st)
	}
	select {
	case h.decisions <- d:
	default:
		return h.snapshot(), ErrDecisionPending
	}
	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return h.snapshot(), ctx.Err()
	}
}

// DecideByProposal is Decide addressed by proposal id.
func (o *Orchestrator) DecideByProposal(ctx context.Context, proposalID string, d models.HumanDecision) (models.WorkflowRun, error) {
	o.mu.RLock()
	runID, ok := o.byProposal[proposalID]
	o.mu.RUnlock()
	if !ok {
		return models.WorkflowRun{}, fmt.Errorf("%w: no run for proposal %s", ErrRunNotFound, proposalID)
	}
	return o.Decide(ctx, runID, d)
}

// Cancel aborts a run; in-flight producer calls see the cancellation.
func (o *Orchestrator) Cancel(runID string) error {
	h := o.lookup(runID)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if st := h.state(); st.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunFinished, runID, st)
	}
	h.cancel()
	return nil
}

// Shutdown cancels every active run and waits for them to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stageError ends a run in Failed.
type stageError struct {
	component string
	reason    string
}

func (e *stageError) Error() string { return e.reason }

const reasonCancelled = "cancelled"

func (o *Orchestrator) execute(ctx context.Context, h *runHandle) {
	defer o.wg.Done()
	defer h.cancel()

	trig := h.snapshot().Trigger
	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", trig.RunID),
		attribute.String("instrument", trig.Instrument),
		attribute.String("trigger.source", string(trig.Source)),
	))
	defer span.End()

	o.pipeline(ctx, h, trig)

	run := h.snapshot()
	span.SetAttributes(attribute.String("run.state", string(run.State)))
	if run.State == models.StateFailed {
		span.SetStatus(codes.Error, run.Reason)
	}
	o.settle(ctx, h)
	o.evict()
}

// evict drops the oldest finished runs beyond the retention limit. Runs
// still in flight are never dropped.
func (o *Orchestrator) evict() {
	o.mu.Lock()
	defer o.mu.Unlock()

	finished := 0
	for _, id := range o.order {
		if o.runs[id].finished() {
			finished++
		}
	}
	excess := finished - o.cfg.RetainRuns
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		h := o.runs[id]
		if excess > 0 && h.finished() {
			excess--
			delete(o.runs, id)
			if p := h.snapshot().Proposal; p != nil {
				delete(o.byProposal, p.ProposalID)
			}
			continue
		}
		kept = append(kept, id)
	}
	clear(o.order[len(kept):])
	o.order = kept
}

func (o *Orchestrator) pipeline(ctx context.Context, h *runHandle, trig models.Trigger) {
	signals, err := o.collect(ctx, h, trig)
	if err != nil {
		o.fail(h, err)
		return
	}

	if err := o.move(h, models.StateAggregating, "", nil); err != nil {
		o.fail(h, err)
		return
	}
	thesis := o.aggregator.Aggregate(trig.Instrument, signals)
	h.update(func(r *models.WorkflowRun) { r.Thesis = &thesis })
	if !thesis.IsTrade() {
		o.finish(h, models.StateRejected, "no-trade: "+thesis.NoTradeReason, nil)
		return
	}
	if ctx.Err() != nil {
		o.fail(h, &stageError{reason: reasonCancelled})
		return
	}

	if err := o.move(h, models.StateSizing, "", nil); err != nil {
		o.fail(h, err)
		return
	}
	positions, err := o.openPositions(ctx, trig)
	if ctx.Err() != nil {
		o.fail(h, &stageError{reason: reasonCancelled})
		return
	}
	if err != nil {
		o.fail(h, &stageError{component: "positions", reason: "load open positions: " + err.Error()})
		return
	}
	proposal, err := o.risk.Size(thesis, trig.AccountEquity, positions)
	if err != nil {
		o.fail(h, &stageError{component: "risk", reason: err.Error()})
		return
	}
	o.mu.Lock()
	o.byProposal[proposal.ProposalID] = trig.RunID
	o.mu.Unlock()
	h.update(func(r *models.WorkflowRun) { r.Proposal = &proposal })

	if proposal.Status == models.ProposalRejected {
		o.finish(h, models.StateRejected, "risk rejected: "+strings.Join(proposal.ViolationCodes(), ", "), nil)
		return
	}

	why := o.reviewReasons(thesis)
	if len(why) == 0 {
		o.approve(ctx, h, fmt.Sprintf("auto-approved: composite %.2f", thesis.CompositeConfidence), nil)
		return
	}
	if err := o.move(h, models.StateAwaitingReview, "review required: "+strings.Join(why, "; "), nil); err != nil {
		o.fail(h, err)
		return
	}
	o.notify(ctx, h)
	o.awaitDecision(ctx, h)
}

func (o *Orchestrator) collect(ctx context.Context, h *runHandle, trig models.Trigger) ([]models.Signal, error) {
	type result struct {
		id  string
		sig models.Signal
		err error
	}
	ch := make(chan result, len(o.producers))
	var wg sync.WaitGroup
	for _, p := range o.producers {
		wg.Add(1)
		go func(p service.Producer) {
			defer wg.Done()
			sig, err := o.collectSignal(ctx, p, trig)
			ch <- result{id: p.ID(), sig: sig, err: err}
		}(p)
	}
	go func() { wg.Wait(); close(ch) }()

	var (
		signals  []models.Signal
		timedOut []string
		faults   = map[string]error{}
	)
	for r := range ch {
		if r.err != nil {
			faults[r.id] = r.err
			continue
		}
		if r.sig.HasFlag(models.FlagTimedOut) {
			timedOut = append(timedOut, r.id)
		}
		signals = append(signals, r.sig)
		sig := r.sig
		h.update(func(run *models.WorkflowRun) { run.Signals[r.id] = sig })
	}

	if ctx.Err() != nil {
		return signals, &stageError{reason: reasonCancelled}
	}
	if len(faults) > 0 {
		ids := make([]string, 0, len(faults))
		for id := range faults {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return signals, &stageError{component: ids[0], reason: fmt.Sprintf("producer %s failed: %v", ids[0], faults[ids[0]])}
	}
	if len(o.producers) > 0 && len(timedOut) == len(o.producers) {
		sort.Strings(timedOut)
		return signals, &stageError{reason: "all producers timed out: " + strings.Join(timedOut, ", ")}
	}
	return signals, nil
}

// collectSignal runs one producer under its own timeout with bounded
// retries. A timeout yields a timed_out signal instead of an error.
func (o *Orchestrator) collectSignal(ctx context.Context, p service.Producer, trig models.Trigger) (models.Signal, error) {
	id := p.ID()
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProducerTimeout)
	defer cancel()
	pctx, span := o.tracer.Start(pctx, "producer."+id, trace.WithAttributes(attribute.String("producer.id", id)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= o.cfg.ProducerRetries; attempt++ {
		if attempt > 0 {
			svcmetrics.ProducerRetries.WithLabelValues(id).Inc()
			if !sleepCtx(pctx, o.cfg.ProducerBackoff<<(attempt-1)) {
				break
			}
		}
		sig, err := analyzeOnce(pctx, p, trig.Instrument, trig.AsOf)
		if err == nil && sig.IsZero() {
			err = fmt.Errorf("%w: producer %s returned an empty signal", ErrInvariantViolation, id)
		}
		if err == nil {
			o.metrics.RecordProducer(id, "ok", time.Since(start))
			return o.flag(sig), nil
		}
		lastErr = err
		if pctx.Err() != nil {
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		o.metrics.RecordProducer(id, "cancelled", time.Since(start))
		return models.Signal{}, ctx.Err()
	case pctx.Err() != nil || errors.Is(lastErr, context.DeadlineExceeded):
		o.metrics.RecordProducer(id, "timeout", time.Since(start))
		span.SetStatus(codes.Error, ErrProducerTimeout.Error())
		o.log.Warn("producer timed out", applogger.String("run_id", trig.RunID), applogger.String("producer", id),
			applogger.Duration("timeout", o.cfg.ProducerTimeout))
		sig := models.TimedOutSignal(id, trig.Instrument, o.now().UTC(),
			fmt.Sprintf("%v after %s", ErrProducerTimeout, o.cfg.ProducerTimeout))
		return o.flag(sig), nil
	default:
		o.metrics.RecordProducer(id, "error", time.Since(start))
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
		return models.Signal{}, lastErr
	}
}

func analyzeOnce(ctx context.Context, p service.Producer, instrument string, asOf time.Time) (models.Signal, error) {
	type out struct {
		sig models.Signal
		err error
	}
	c := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c <- out{err: fmt.Errorf("producer panic: %v", r)}
			}
		}()
		sig, err := p.Analyze(ctx, instrument, asOf)
		c <- out{sig: sig, err: err}
	}()
	select {
	case r := <-c:
		return r.sig, r.err
	case <-ctx.Done():
		return models.Signal{}, ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// flag tags signals that must not be auto-approved.
func (o *Orchestrator) flag(s models.Signal) models.Signal {
	if s.Confidence() < o.cfg.LowConfidence {
		s = s.WithFlag(models.FlagLowConfidence)
	}
	if o.cfg.MaxStaleness > 0 && s.Staleness() > o.cfg.MaxStaleness {
		s = s.WithFlag(models.FlagStale)
	}
	return s
}

func (o *Orchestrator) reviewReasons(th models.Thesis) []string {
	var why []string
	if th.CompositeConfidence < o.cfg.AutoApproveConfidence {
		why = append(why, fmt.Sprintf("composite %.2f below %.2f", th.CompositeConfidence, o.cfg.AutoApproveConfidence))
	}
	for _, s := range th.Signals {
		for _, f := range s.Flags() {
			why = append(why, fmt.Sprintf("%s flagged %s", s.ProducerID(), f))
		}
	}
	return why
}

func (o *Orchestrator) openPositions(ctx context.Context, trig models.Trigger) ([]models.Position, error) {
	if len(trig.OpenPositions) > 0 || o.positions == nil {
		return trig.OpenPositions, nil
	}
	return o.positions.OpenPositions(ctx)
}

func (o *Orchestrator) awaitDecision(ctx context.Context, h *runHandle) {
	var timeout <-chan time.Time
	if o.cfg.ReviewTimeout > 0 {
		t := time.NewTimer(o.cfg.ReviewTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-h.decisions:
		record := func(r *models.WorkflowRun) { r.Decision = &d }
		if d.Decision == models.DecisionApproved {
			o.approve(ctx, h, "approved by "+d.Reviewer, record)
			return
		}
		reason := "rejected by " + d.Reviewer
		if d.Note != "" {
			reason += ": " + d.Note
		}
		o.finish(h, models.StateRejected, reason, func(r *models.WorkflowRun) {
			record(r)
			setProposalStatus(r, models.ProposalRejected)
		})
	case <-timeout:
		o.finish(h, models.StateDeferred, fmt.Sprintf("review timed out after %s", o.cfg.ReviewTimeout), func(r *models.WorkflowRun) {
			setProposalStatus(r, models.ProposalDeferred)
		})
	case <-ctx.Done():
		o.finish(h, models.StateFailed, reasonCancelled, nil)
	}
}

func setProposalStatus(r *models.WorkflowRun, s models.ProposalStatus) {
	if r.Proposal != nil {
		r.Proposal.Status = s
	}
}

// approve moves the run to Approved and submits the order exactly once.
// A run cancelled before this point fails instead and never reaches the broker.
func (o *Orchestrator) approve(ctx context.Context, h *runHandle, reason string, mutate func(*models.WorkflowRun)) {
	if ctx.Err() != nil {
		o.finish(h, models.StateFailed, reasonCancelled, mutate)
		return
	}
	err := o.move(h, models.StateApproved, reason, func(r *models.WorkflowRun) {
		if mutate != nil {
			mutate(r)
		}
		setProposalStatus(r, models.ProposalApproved)
	})
	if err != nil {
		o.fail(h, err)
		return
	}
	o.submit(ctx, h)
}

func (o *Orchestrator) submit(ctx context.Context, h *runHandle) {
	run := h.snapshot()
	rec := models.ExecutionRecord{SubmittedAt: o.now().UTC()}
	switch {
	case run.Proposal == nil:
		rec.Status, rec.Error = models.ExecutionSkipped, "no proposal"
	case o.broker == nil:
		rec.Status, rec.Error = models.ExecutionSkipped, "no broker configured"
	default:
		sctx, span := o.tracer.Start(context.WithoutCancel(ctx), "broker.submit",
			trace.WithAttributes(attribute.String("proposal.id", run.Proposal.ProposalID)))
		ack, err := o.broker.Submit(sctx, *run.Proposal)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrExecutionFailure, err)
			rec.Status, rec.Error = models.ExecutionFailed, err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.log.Error("order submission failed", applogger.String("proposal_id", run.Proposal.ProposalID), applogger.Error(err))
		} else {
			rec.Status, rec.OrderID, rec.FillPrice = models.ExecutionSubmitted, ack.OrderID, ack.FillPrice
			h.log.Info("order submitted", applogger.String("proposal_id", run.Proposal.ProposalID), applogger.String("order_id", ack.OrderID))
		}
		span.End()
	}
	h.update(func(r *models.WorkflowRun) { r.Execution = &rec })
	o.metrics.RecordExecution(string(rec.Status))
}

func (o *Orchestrator) fail(h *runHandle, err error) {
	var se *stageError
	if errors.As(err, &se) {
		o.finish(h, models.StateFailed, se.reason, func(r *models.WorkflowRun) { r.FailedComponent = se.component })
		return
	}
	o.finish(h, models.StateFailed, err.Error(), nil)
}

func (o *Orchestrator) finish(h *runHandle, to models.RunState, reason string, mutate func(*models.WorkflowRun)) {
	if err := o.move(h, to, reason, mutate); err != nil {
		o.metrics.RecordError("transition")
		h.log.Error("finish run", applogger.Error(err))
		if to != models.StateFailed {
			_ = o.move(h, models.StateFailed, err.Error(), nil)
		}
	}
}

func (o *Orchestrator) move(h *runHandle, to models.RunState, reason string, mutate func(*models.WorkflowRun)) error {
	h.mu.Lock()
	from := h.run.State
	next := h.run.Clone()
	if mutate != nil {
		mutate(&next)
	}
	if err := applyTransition(&next, to, reason, o.now().UTC()); err != nil {
		h.mu.Unlock()
		return err
	}
	h.run = next
	h.broadcastLocked()
	h.mu.Unlock()

	o.metrics.RecordTransition(string(from), string(to))
	h.log.Debug("run transition", applogger.String("from", string(from)), applogger.String("to", string(to)), applogger.String("reason", reason))
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, h *runHandle) {
	if o.notifier == nil {
		return
	}
	o.notifier.NotifyReview(context.WithoutCancel(ctx), h.snapshot())
}

// settle archives and publishes a finished run. Failures are logged and
// counted; the run's state is final either way.
func (o *Orchestrator) settle(ctx context.Context, h *runHandle) {
	defer close(h.done)
	run := h.snapshot()
	if !run.State.IsTerminal() {
		o.metrics.RecordError("unsettled_run")
		h.log.Error("run ended without terminal state", applogger.String("state", string(run.State)))
		return
	}
	o.metrics.RecordTerminal(string(run.State), run.Trigger.Instrument, run.FinishedAt.Sub(run.StartedAt))

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ArchiveTimeout)
	defer cancel()
	if o.archive != nil {
		if err := o.archive.Archive(actx, run); err != nil {
			o.metrics.RecordError("archive")
			h.log.Error("archive run", applogger.Error(err))
		}
	}
	if o.publisher != nil {
		if err := o.publisher.PublishRun(actx, run); err != nil {
			o.metrics.RecordError("publish")
			h.log.Error("publish run", applogger.Error(err))
		}
	}
	if run.Decision != nil || run.State == models.StateDeferred {
		o.notify(ctx, h)
	}
	h.log.Info("run finished",
		applogger.String("state", string(run.State)),
		applogger.String("reason", run.Reason),
		applogger.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(string, string)              {}
func (nopMetrics) RecordTerminal(string, string, time.Duration) {}
func (nopMetrics) RecordProducer(string, string, time.Duration) {}
func (nopMetrics) RecordExecution(string)                       {}
func (nopMetrics) RecordError(string)                           {}
