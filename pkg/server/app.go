package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"FxDesk/internal/handler/ws"
	"FxDesk/internal/middleware"
	"FxDesk/internal/usecase"
	"FxDesk/pkg/config"
	xhttp "FxDesk/pkg/http"
	pkgkafka "FxDesk/pkg/kafka"
	applogger "FxDesk/pkg/logger"
	"FxDesk/pkg/tracing"

	"golang.org/x/sync/errgroup"
)

// App owns the lifecycle of every long-running component.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	orch       *usecase.Orchestrator
	httpServer *xhttp.Server
	hub        *ws.Hub

	scheduler *usecase.Scheduler
	consumer  *pkgkafka.Consumer
	triggers  pkgkafka.MessageHandler
	outboxes  []*middleware.RunOutbox
	closers   []namedCloser
	tracing   tracing.ShutdownFunc

	cancel context.CancelFunc
}

type namedCloser struct {
	name  string
	close func() error
}

type Option func(*App)

// WithScheduler runs periodic triggers while the app is up. Nil is ignored.
func WithScheduler(s *usecase.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithTriggerConsumer consumes run triggers from Kafka through h.
func WithTriggerConsumer(c *pkgkafka.Consumer, h pkgkafka.MessageHandler) Option {
	return func(a *App) {
		if c != nil && h != nil {
			a.consumer, a.triggers = c, h
		}
	}
}

func WithOutboxes(obs ...*middleware.RunOutbox) Option {
	return func(a *App) {
		for _, ob := range obs {
			if ob != nil {
				a.outboxes = append(a.outboxes, ob)
			}
		}
	}
}

// WithCloser registers a resource closed last on shutdown.
func WithCloser(name string, fn func() error) Option {
	return func(a *App) {
		if fn != nil {
			a.closers = append(a.closers, namedCloser{name: name, close: fn})
		}
	}
}

func WithTracingShutdown(fn tracing.ShutdownFunc) Option {
	return func(a *App) { a.tracing = fn }
}

// New creates an App. httpServer may be nil for one-shot CLI use.
func New(cfg *config.Config, log *applogger.Logger, orch *usecase.Orchestrator, httpServer *xhttp.Server, hub *ws.Hub, opts ...Option) *App {
	if log == nil {
		log = applogger.Nop()
	}
	a := &App{cfg: cfg, log: log, orch: orch, httpServer: httpServer, hub: hub}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Orchestrator exposes the run engine to in-process callers such as the CLI.
func (a *App) Orchestrator() *usecase.Orchestrator { return a.orch }

// Start launches background components and returns once they are running.
func (a *App) Start(ctx context.Context) error {
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	for _, ob := range a.outboxes {
		ob.Start(life)
	}

	var g errgroup.Group
	if a.httpServer != nil {
		g.Go(a.httpServer.Start)
	}
	if a.consumer != nil {
		a.consumer.RegisterHandler(a.triggers)
		g.Go(func() error {
			if err := a.consumer.Start(); err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			a.log.Info("trigger consumer started", applogger.String("topic", a.triggers.Topic()))
			return nil
		})
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Start(life) })
	}
	return g.Wait()
}

// Run starts the app and blocks until ctx ends or a termination signal
// arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.log.Error("start failed", applogger.Error(err))
		_ = a.Shutdown(context.Background())
		return err
	}
	a.log.Info("fxdesk running", applogger.String("env", a.cfg.Environment), applogger.Int("port", a.cfg.Server.Port))

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(sctx)
}

// Shutdown stops ingress first, then drains runs, then releases clients.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	var g errgroup.Group
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Stop(ctx) })
	}
	if a.httpServer != nil {
		g.Go(func() error { return a.httpServer.Stop(ctx) })
	}
	if err := g.Wait(); err != nil {
		a.log.Warn("ingress stop error", applogger.Error(err))
		errs = append(errs, err)
	}

	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			a.log.Warn("orchestrator shutdown", applogger.Error(err))
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	for _, ob := range a.outboxes {
		ob.Stop()
		if n := ob.Pending(); n > 0 {
			a.log.Warn("outbox stopped with pending runs", applogger.Int("pending", n))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.log.Warn("close "+c.name, applogger.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}
