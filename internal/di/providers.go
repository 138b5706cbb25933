package di

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"FxDesk/internal/domain/models"
	domrepo "FxDesk/internal/domain/repository"
	"FxDesk/internal/domain/service"
	"FxDesk/internal/handler/api"
	"FxDesk/internal/handler/ws"
	mid "FxDesk/internal/middleware"
	internalrepo "FxDesk/internal/repository"
	svcmetrics "FxDesk/internal/service/metrics"
	"FxDesk/internal/service/ratelimit"
	"FxDesk/internal/service/retrieval"
	"FxDesk/internal/services/broker"
	"FxDesk/internal/services/calendar"
	"FxDesk/internal/services/features"
	"FxDesk/internal/services/retriever"
	"FxDesk/internal/usecase"
	"FxDesk/pkg/cache"
	pkgch "FxDesk/pkg/clickhouse"
	"FxDesk/pkg/config"
	xhttp "FxDesk/pkg/http"
	pkgkafka "FxDesk/pkg/kafka"
	applogger "FxDesk/pkg/logger"
	"FxDesk/pkg/metrics"
	"FxDesk/pkg/server"
	"FxDesk/pkg/tracing"

	"github.com/shopspring/decimal"
)

const hubPingInterval = 30 * time.Second

// Outboxes groups the optional delivery buffers for terminal runs. Either
// field is nil when its sink is disabled.
type Outboxes struct {
	Archive *mid.RunOutbox
	Publish *mid.RunOutbox
}

func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates the Prometheus recorder and registers the
// retrieval vectors.
func ProvideMetrics() *metrics.Recorder {
	svcmetrics.Register()
	return metrics.New()
}

func ProvideTracing(cfg *config.Config) (tracing.ShutdownFunc, error) {
	shutdown, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.Enabled)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return shutdown, nil
}

// ProvideRedisCache connects to Redis when enabled and returns nil otherwise.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.PoolSize / 2,
		Prefix:       cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCacheStore layers an in-memory L1 over Redis when Redis is up, and
// falls back to memory alone.
func ProvideCacheStore(cfg *config.Config, rc *cache.RedisCache) cache.Store {
	if rc != nil {
		return cache.NewLayeredCache(rc,
			cache.WithLayeredMemorySize(cfg.Retrieval.MemoryMaxSize),
			cache.WithLayeredMemoryTTL(cfg.Retrieval.TTL),
		)
	}
	return cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Retrieval.MemoryMaxSize))
}

// ProvideRetriever picks the upstream document search. The "none" backend
// yields nil, which the retrieval cache reports as unavailable.
func ProvideRetriever(cfg *config.Config, log *applogger.Logger) service.Retriever {
	switch cfg.Retrieval.Backend {
	case "http":
		return retriever.NewHTTPVectorRetriever(cfg.Retrieval.ServiceURL, cfg.Retrieval.CallTimeout)
	case "web":
		return retriever.NewWebRetriever(cfg.Retrieval.WebSources, cfg.Retrieval.CallTimeout, log)
	default:
		return nil
	}
}

func ProvideRetrievalCache(cfg *config.Config, store cache.Store, r service.Retriever, log *applogger.Logger) *retrieval.Cache {
	return retrieval.New(store, r, retrieval.Config{
		TTL:         cfg.Retrieval.TTL,
		CallTimeout: cfg.Retrieval.CallTimeout,
		Retries:     cfg.Retrieval.Retries,
		BackoffMin:  cfg.Retrieval.BackoffMin,
		BackoffMax:  cfg.Retrieval.BackoffMax,
	}, retrieval.WithLogger(log))
}

// ProvideCalendar loads the YAML calendar, or an empty one without a path.
func ProvideCalendar(cfg *config.Config) (service.CalendarSource, error) {
	if cfg.Producers.Macro.CalendarPath == "" {
		return calendar.NewStatic(), nil
	}
	f, err := calendar.NewFile(cfg.Producers.Macro.CalendarPath)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ProvideClickHouseClient connects and creates the schema when ClickHouse
// is enabled. It returns nil otherwise.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := cfg.ClickHouse
	client, err := pkgch.NewClient(ctx, pkgch.Config{
		Host:         c.Host,
		Port:         c.Port,
		Database:     c.Database,
		User:         c.User,
		Password:     c.Password,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		UseHTTP:      c.UseHTTP,
		AsyncInsert:  c.AsyncInsert,
		WaitForAsync: c.WaitForAsync,
		MaxExecTime:  c.MaxExecutionTime,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, pkgch.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

func ProvideBarStore(cfg *config.Config, ch *pkgch.Client) (domrepo.BarStore, error) {
	if cfg.MarketData.Source == "clickhouse" {
		if ch == nil {
			return nil, fmt.Errorf("bar store: clickhouse source without a client")
		}
		return internalrepo.NewCHBarStore(ch), nil
	}
	store := internalrepo.NewMemoryBarStore()
	if cfg.MarketData.SeedPath != "" {
		if err := store.LoadSeed(cfg.MarketData.SeedPath); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func technicalConfig(cfg *config.Config) (usecase.TechnicalConfig, error) {
	t := cfg.Producers.Technical
	tf := domrepo.Timeframe(t.Timeframe)
	if !domrepo.IsValidTimeframe(tf) {
		return usecase.TechnicalConfig{}, fmt.Errorf("producers.technical.timeframe %q is not supported", t.Timeframe)
	}
	return usecase.TechnicalConfig{
		Timeframe: tf,
		Window:    t.Window,
		Periods: features.Periods{
			RSI:        t.RSIPeriod,
			MACDFast:   t.MACDFast,
			MACDSlow:   t.MACDSlow,
			MACDSignal: t.MACDSignal,
			ATR:        t.ATRPeriod,
			Band:       t.BandPeriod,
		},
		StopATR:      t.StopATR,
		TargetATR:    t.TargetATR,
		PipSize:      t.PipSize,
		Oversold:     t.Oversold,
		Overbought:   t.Overbought,
		BreakoutATRs: t.BreakoutATRs,
	}, nil
}

func macroConfig(cfg *config.Config) usecase.MacroConfig {
	m := cfg.Producers.Macro
	impact := usecase.DefaultImpact()
	for k, v := range m.Impact {
		impact[models.EventType(strings.ToUpper(k))] = v
	}
	return usecase.MacroConfig{
		Lookahead:       m.Lookahead,
		ReleaseWindow:   m.ReleaseWindow,
		MaxConfidence:   m.MaxConfidence,
		SpikeConfidence: m.SpikeConfidence,
		QuietConfidence: m.QuietConfidence,
		Impact:          impact,
	}
}

// ProvideProducers builds the technical, macro and sentiment producers.
func ProvideProducers(cfg *config.Config, bars domrepo.BarStore, cal service.CalendarSource, docs *retrieval.Cache) ([]service.Producer, error) {
	tc, err := technicalConfig(cfg)
	if err != nil {
		return nil, err
	}
	s := cfg.Producers.Sentiment
	return []service.Producer{
		usecase.NewTechnicalProducer(bars, tc),
		usecase.NewMacroProducer(cal, macroConfig(cfg)),
		usecase.NewSentimentProducer(docs, usecase.NewLexiconScorer(), usecase.SentimentConfig{
			TopK:        s.TopK,
			HalfLife:    s.HalfLife,
			NeutralBand: s.NeutralBand,
		}),
	}, nil
}

func ProvideAggregator(cfg *config.Config) *usecase.Aggregator {
	return usecase.NewAggregator(cfg.Aggregator.MinNetConfidence)
}

func ProvideRiskEngine(cfg *config.Config) *usecase.RiskEngine {
	r := cfg.Risk
	corr := usecase.NewCorrelationModel(r.Correlations, r.SharedLegCorrelation)
	return usecase.NewRiskEngine(usecase.RiskConfig{
		BaseRisk:       r.BaseRisk,
		MaxRisk:        r.MaxRisk,
		MinRR:          r.MinRR,
		MaxCorrelation: r.MaxCorrelation,
		MinConfidence:  r.MinConfidence,
	}, corr)
}

func ProvideBroker(cfg *config.Config, log *applogger.Logger) service.Broker {
	if cfg.Broker.Type == "http" {
		return broker.NewHTTP(cfg.Broker.URL, cfg.Broker.Timeout)
	}
	return broker.NewPaper(log)
}

// ProvideRunCounter mints run ids from the shared cache so that replicas
// behind one Redis never collide.
func ProvideRunCounter(store cache.Store) domrepo.RunCounter {
	return internalrepo.NewCacheRunCounter(store)
}

// ProvideKafkaProducer creates the run event producer when Kafka is enabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(pkgkafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		RequiredAcks: cfg.Kafka.RequiredAcks,
		Compression:  cfg.Kafka.Compression,
		MaxAttempts:  p.MaxAttempts,
		WriteTimeout: p.WriteTimeout,
		ReadTimeout:  p.ReadTimeout,
		BatchSize:    p.BatchSize,
		BatchBytes:   int64(p.BatchBytes),
		BatchTimeout: p.Linger,
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

func ProvideOutboxes(cfg *config.Config, ch *pkgch.Client, producer *pkgkafka.Producer, m domrepo.Metrics, log *applogger.Logger) Outboxes {
	var out Outboxes
	if ch != nil {
		out.Archive = mid.ArchiveOutbox(internalrepo.NewCHRunArchive(ch), m, mid.WithOutboxLogger(log))
	}
	if producer != nil {
		out.Publish = mid.PublishOutbox(internalrepo.NewKafkaRunPublisher(producer, cfg.Kafka.Topics.Runs), m, mid.WithOutboxLogger(log))
	}
	return out
}

func ProvideHub(log *applogger.Logger) *ws.Hub {
	return ws.NewHub(log, hubPingInterval)
}

// ProvideOrchestrator takes the tracing shutdown func only so that the
// global tracer provider is installed first.
func ProvideOrchestrator(
	cfg *config.Config,
	producers []service.Producer,
	agg *usecase.Aggregator,
	risk *usecase.RiskEngine,
	b service.Broker,
	counter domrepo.RunCounter,
	outboxes Outboxes,
	hub *ws.Hub,
	m domrepo.Metrics,
	log *applogger.Logger,
	_ tracing.ShutdownFunc,
) *usecase.Orchestrator {
	o := cfg.Orchestrator
	opts := []usecase.OrchestratorOption{
		usecase.WithMetrics(m),
		usecase.WithOrchestratorLogger(log),
		usecase.WithNotifier(hub),
		usecase.WithTracer(tracing.Tracer("fxdesk/orchestrator")),
	}
	if outboxes.Archive != nil {
		opts = append(opts, usecase.WithArchive(outboxes.Archive))
	}
	if outboxes.Publish != nil {
		opts = append(opts, usecase.WithPublisher(outboxes.Publish))
	}
	if ps, ok := b.(service.PositionSource); ok {
		opts = append(opts, usecase.WithPositionSource(ps))
	}
	return usecase.NewOrchestrator(usecase.OrchestratorConfig{
		ProducerTimeout:       cfg.Producers.Timeout,
		ProducerRetries:       cfg.Producers.Retries,
		ProducerBackoff:       cfg.Producers.Backoff,
		AutoApproveConfidence: o.AutoApproveConfidence,
		LowConfidence:         o.LowConfidence,
		MaxStaleness:          o.MaxStaleness,
		ReviewTimeout:         o.ReviewTimeout,
		ArchiveTimeout:        o.ArchiveTimeout,
		RetainRuns:            o.RetainRuns,
	}, producers, agg, risk, b, counter, opts...)
}

func ProvideRunsHandler(cfg *config.Config, log *applogger.Logger, orch *usecase.Orchestrator, rc *retrieval.Cache) *api.RunsEchoHandler {
	return api.NewRunsEchoHandler(log, orch, rc,
		api.WithTriggerLimit(ratelimit.New(cfg.Server.TriggerBurst, cfg.Server.TriggerRefill)),
	)
}

func ProvideHTTPServer(cfg *config.Config, log *applogger.Logger, runs *api.RunsEchoHandler, hub *ws.Hub) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS, cfg.Server.CORSOrigins...),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetricsPath(cfg.Metrics.Path))
	}
	return xhttp.NewServer(xhttp.Handlers{runs, hub}, log, opts...)
}

// ProvideScheduler builds the periodic trigger. Behind Redis, ticks are
// claimed through the shared store so each fires once across replicas.
func ProvideScheduler(cfg *config.Config, orch *usecase.Orchestrator, store cache.Store, log *applogger.Logger) *usecase.Scheduler {
	if !cfg.Scheduler.Enabled {
		return nil
	}
	s := cfg.Scheduler
	var opts []usecase.SchedulerOption
	if cfg.Redis.Enabled && store != nil {
		opts = append(opts, usecase.WithTickLock(store))
	}
	return usecase.NewScheduler(orch, s.Instruments, s.Interval, decimal.NewFromFloat(s.Equity), log, opts...)
}

// ProvideKafkaConsumer creates the trigger consumer when both Kafka and the
// consumer are enabled.
func ProvideKafkaConsumer(cfg *config.Config, log *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	c := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		GroupID:    c.GroupID,
		Workers:    c.Workers,
		BufferSize: c.BufferSize,
		RetryMax:   c.RetryMax,
		BackoffMin: c.BackoffMin,
		BackoffMax: c.BackoffMax,
		DLQTopic:   c.DLQTopic,
		MinBytes:   c.MinBytes,
		MaxBytes:   c.MaxBytes,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

func ProvideTriggerHandler(cfg *config.Config, orch *usecase.Orchestrator, m domrepo.Metrics) *usecase.KafkaTriggerHandler {
	return usecase.NewKafkaTriggerHandler(cfg.Kafka.Topics.Triggers, orch, m)
}

// ProvideApp assembles the application. Optional components arrive as nil
// and are left out.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	orch *usecase.Orchestrator,
	httpServer *xhttp.Server,
	hub *ws.Hub,
	sched *usecase.Scheduler,
	consumer *pkgkafka.Consumer,
	triggers *usecase.KafkaTriggerHandler,
	outboxes Outboxes,
	store cache.Store,
	ch *pkgch.Client,
	producer *pkgkafka.Producer,
	shutdown tracing.ShutdownFunc,
) *server.App {
	opts := []server.Option{
		server.WithOutboxes(outboxes.Archive, outboxes.Publish),
		server.WithTracingShutdown(shutdown),
	}
	if sched != nil {
		opts = append(opts, server.WithScheduler(sched))
	}
	if consumer != nil {
		opts = append(opts, server.WithTriggerConsumer(consumer, triggers))
	}
	if c, ok := store.(io.Closer); ok {
		opts = append(opts, server.WithCloser("cache", c.Close))
	}
	if ch != nil {
		opts = append(opts, server.WithCloser("clickhouse", ch.Close))
	}
	if producer != nil {
		opts = append(opts, server.WithCloser("kafka producer", producer.Close))
	}
	return server.New(cfg, log, orch, httpServer, hub, opts...)
}
