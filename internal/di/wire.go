//go:build wireinject
// +build wireinject

package di

import (
	domrepo "FxDesk/internal/domain/repository"
	"FxDesk/pkg/config"
	"FxDesk/pkg/metrics"
	"FxDesk/pkg/server"

	"github.com/google/wire"
)

var infraSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	wire.Bind(new(domrepo.Metrics), new(*metrics.Recorder)),
	ProvideTracing,
	ProvideRedisCache,
	ProvideCacheStore,
	ProvideClickHouseClient,
	ProvideKafkaProducer,
	ProvideKafkaConsumer,
)

var pipelineSet = wire.NewSet(
	ProvideRetriever,
	ProvideRetrievalCache,
	ProvideCalendar,
	ProvideBarStore,
	ProvideProducers,
	ProvideAggregator,
	ProvideRiskEngine,
	ProvideBroker,
	ProvideRunCounter,
	ProvideOutboxes,
	ProvideHub,
	ProvideOrchestrator,
)

// InitializeApp wires up all dependencies and returns the application.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		infraSet,
		pipelineSet,
		ProvideRunsHandler,
		ProvideHTTPServer,
		ProvideScheduler,
		ProvideTriggerHandler,
		ProvideApp,
	)
	return &server.App{}, nil
}
