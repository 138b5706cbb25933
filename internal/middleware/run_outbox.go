package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
	applogger "FxDesk/pkg/logger"
)

// ErrBuffered means delivery failed and the run was queued for a retry.
var ErrBuffered = errors.New("delivery failed, run buffered for retry")

// Deliver hands a finished run to a downstream sink.
type Deliver func(ctx context.Context, run models.WorkflowRun) error

// RunOutbox sits between the orchestrator and an archive or event sink.
// It validates runs and buffers them while the sink is unavailable.
type RunOutbox struct {
	name       string
	deliver    Deliver
	metrics    domrepo.Metrics
	log        *applogger.Logger
	bufSize    int
	bufCh      chan models.WorkflowRun
	stopCh     chan struct{}
	started    bool
	mu         sync.Mutex
	backoffMin time.Duration
	backoffMax time.Duration
	timeout    time.Duration
}

type OutboxOption func(*RunOutbox)

// WithBufferSize sets how many runs wait for redelivery.
func WithBufferSize(n int) OutboxOption {
	return func(p *RunOutbox) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBackoff sets the redelivery backoff bounds.
func WithBackoff(min, max time.Duration) OutboxOption {
	return func(p *RunOutbox) {
		if min > 0 && max >= min {
			p.backoffMin, p.backoffMax = min, max
		}
	}
}

func WithOutboxLogger(l *applogger.Logger) OutboxOption {
	return func(p *RunOutbox) {
		if l != nil {
			p.log = l
		}
	}
}

// NewRunOutbox creates an outbox; name labels its metrics and logs.
func NewRunOutbox(name string, deliver Deliver, metrics domrepo.Metrics, opts ...OutboxOption) *RunOutbox {
	p := &RunOutbox{
		name:       name,
		deliver:    deliver,
		metrics:    metrics,
		log:        applogger.Nop(),
		bufSize:    1000,
		stopCh:     make(chan struct{}),
		backoffMin: 50 * time.Millisecond,
		backoffMax: 5 * time.Second,
		timeout:    10 * time.Second,
	}
	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.WorkflowRun, p.bufSize)
	return p
}

// ArchiveOutbox buffers in front of a RunArchive.
func ArchiveOutbox(a domrepo.RunArchive, metrics domrepo.Metrics, opts ...OutboxOption) *RunOutbox {
	return NewRunOutbox("archive", a.Archive, metrics, opts...)
}

// PublishOutbox buffers in front of a RunPublisher.
func PublishOutbox(p domrepo.RunPublisher, metrics domrepo.Metrics, opts ...OutboxOption) *RunOutbox {
	return NewRunOutbox("publish", p.PublishRun, metrics, opts...)
}

func (p *RunOutbox) Archive(ctx context.Context, run models.WorkflowRun) error {
	return p.Process(ctx, run)
}

func (p *RunOutbox) PublishRun(ctx context.Context, run models.WorkflowRun) error {
	return p.Process(ctx, run)
}

// Start launches background redelivery of buffered runs.
func (p *RunOutbox) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	stop := p.stopCh
	p.mu.Unlock()

	go func() {
		backoff := p.backoffMin
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case run := <-p.bufCh:
				dctx, cancel := context.WithTimeout(ctx, p.timeout)
				err := p.deliver(dctx, run)
				cancel()
				if err == nil {
					backoff = p.backoffMin
					continue
				}
				p.metrics.RecordError("outbox_" + p.name + "_retry")
				if backoff < p.backoffMax {
					backoff *= 2
				}
				select {
				case <-time.After(backoff):
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
				select {
				case p.bufCh <- run:
				default:
					p.metrics.RecordError("outbox_" + p.name + "_drop")
					p.log.Error("outbox dropped run", applogger.String("sink", p.name), applogger.String("run_id", run.RunID))
				}
			}
		}
	}()
}

// Stop stops redelivery. Buffered runs stay queued.
func (p *RunOutbox) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.stopCh)
	p.stopCh = make(chan struct{})
}

// Pending is the number of runs waiting for redelivery.
func (p *RunOutbox) Pending() int { return len(p.bufCh) }

// Process validates and delivers run, buffering it when the sink fails.
func (p *RunOutbox) Process(ctx context.Context, run models.WorkflowRun) error {
	if err := validateRun(run); err != nil {
		p.metrics.RecordError("outbox_" + p.name + "_validate")
		return err
	}
	if err := p.deliver(ctx, run); err != nil {
		select {
		case p.bufCh <- run.Clone():
		default:
			p.metrics.RecordError("outbox_" + p.name + "_full")
			return fmt.Errorf("%s: buffer full: %w", p.name, err)
		}
		return fmt.Errorf("%s: %w: %w", p.name, ErrBuffered, err)
	}
	return nil
}

func validateRun(run models.WorkflowRun) error {
	if run.RunID == "" {
		return fmt.Errorf("run id empty")
	}
	if !run.State.IsTerminal() {
		return fmt.Errorf("run %s is not terminal (%s)", run.RunID, run.State)
	}
	return nil
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(string, string)              {}
func (nopMetrics) RecordTerminal(string, string, time.Duration) {}
func (nopMetrics) RecordProducer(string, string, time.Duration) {}
func (nopMetrics) RecordExecution(string)                       {}
func (nopMetrics) RecordError(string)                           {}
