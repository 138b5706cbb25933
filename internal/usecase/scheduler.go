package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"FxDesk/internal/domain/models"
	applogger "FxDesk/pkg/logger"
	"FxDesk/pkg/util"

	"github.com/shopspring/decimal"
)

// TickLock lets replicas share one schedule. Only the caller that claims a
// tick key triggers that run.
type TickLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler triggers a run for each configured instrument on every tick.
// Run ids are derived from the tick bucket, so a repeated tick is a no-op.
type Scheduler struct {
	runs        Triggerer
	instruments []string
	interval    time.Duration
	equity      decimal.Decimal
	log         *applogger.Logger
	now         func() time.Time
	lock        TickLock

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithTickLock skips ticks another replica already claimed. Lock errors
// are logged and the tick proceeds.
func WithTickLock(l TickLock) SchedulerOption {
	return func(s *Scheduler) { s.lock = l }
}

func NewScheduler(runs Triggerer, instruments []string, interval time.Duration, equity decimal.Decimal, log *applogger.Logger, opts ...SchedulerOption) *Scheduler {
	if log == nil {
		log = applogger.Nop()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	syms := make([]string, 0, len(instruments))
	for _, s := range instruments {
		syms = append(syms, models.NormalizeSymbol(s))
	}
	s := &Scheduler{runs: runs, instruments: syms, interval: interval, equity: equity, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return fmt.Errorf("scheduler already started")
	}
	if len(s.instruments) == 0 {
		return fmt.Errorf("scheduler: no instruments")
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop(ctx, s.stop, s.stopped)
	s.log.Info("scheduler started", applogger.Strings("instruments", s.instruments), applogger.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers one run per instrument and returns the run ids started.
func (s *Scheduler) Tick(ctx context.Context) []string {
	at := s.now().UTC()
	bucket := util.AlignToBar(at, s.interval)
	ids := make([]string, 0, len(s.instruments))
	for _, sym := range s.instruments {
		id := fmt.Sprintf("sched-%s-%d", sym, bucket.Unix())
		if !s.claim(ctx, id) {
			continue
		}
		run, err := s.runs.Trigger(ctx, models.Trigger{
			RunID:         id,
			Instrument:    sym,
			AsOf:          at,
			AccountEquity: s.equity,
			Source:        models.SourceScheduler,
		})
		if err != nil {
			s.log.Error("scheduled trigger failed", applogger.String("instrument", sym), applogger.Error(err))
			continue
		}
		ids = append(ids, run.RunID)
	}
	return ids
}

func (s *Scheduler) claim(ctx context.Context, runID string) bool {
	if s.lock == nil {
		return true
	}
	ok, err := s.lock.TryLock(ctx, "sched:"+runID, s.interval)
	if err != nil {
		s.log.Warn("tick lock unavailable", applogger.String("run_id", runID), applogger.Error(err))
		return true
	}
	if !ok {
		s.log.Debug("tick claimed elsewhere", applogger.String("run_id", runID))
	}
	return ok
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}
