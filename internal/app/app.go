package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/userjourney/exit-intervention/internal/bootstrap"
	"github.com/userjourney/exit-intervention/internal/config"
	"github.com/userjourney/exit-intervention/internal/server"
	"github.com/userjourney/exit-intervention/internal/stream"
	"github.com/userjourney/exit-intervention/pkg/audit"
	"github.com/userjourney/exit-intervention/pkg/intervention"
	"github.com/userjourney/exit-intervention/pkg/pipeline"
	"github.com/userjourney/exit-intervention/pkg/resilience"
	"github.com/userjourney/exit-intervention/pkg/store"
)

// App holds all application dependencies and manages the application
// lifecycle.
type App struct {
	cfg               *config.Config
	pipelineConfig    *pipeline.Config
	metricsServer     *server.MetricsServer
	redisClient       *redis.Client
	consumer          *stream.Consumer
	pool              *pipeline.Pool
	orchestrator      *intervention.Orchestrator
	shutdownTelemetry func(context.Context) error
}

// New creates and initializes a new application instance. Components
// come up in dependency order: Redis, pipeline config, the detection
// and intervention components, the worker pool, the Kafka consumer,
// then the metrics server and telemetry.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logrus.Info("initializing application...")

	app := &App{cfg: cfg}

	if err := app.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}

	pipelineConfig, err := pipeline.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline config from %s: %w", cfg.ConfigPath, err)
	}
	app.pipelineConfig = pipelineConfig
	logrus.Infof("loaded pipeline configuration from %s", cfg.ConfigPath)

	redisStore := store.NewRedisStore(app.redisClient, store.Config{})
	sink := audit.NewLogSink()
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())

	predictor := bootstrap.InitPredictor(cfg, pipelineConfig, breakers, sink)
	detector := bootstrap.InitDetector(redisStore, sink, pipelineConfig, predictor)

	orchestrator, err := bootstrap.InitOrchestrator(redisStore, breakers, sink, pipelineConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to init orchestrator: %w", err)
	}
	app.orchestrator = orchestrator

	_, pool := bootstrap.InitPipeline(redisStore, detector, predictor, orchestrator, sink, pipelineConfig)
	app.pool = pool

	consumer, err := stream.NewConsumer(stream.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	}, pool, pipeline.NewAuditDeadLetter(sink))
	if err != nil {
		return nil, fmt.Errorf("failed to init kafka consumer: %w", err)
	}
	app.consumer = consumer

	app.metricsServer = server.NewMetricsServer(cfg.MetricsPort, "/metrics")
	if err := app.metricsServer.Setup(); err != nil {
		return nil, fmt.Errorf("failed to setup metrics server: %w", err)
	}

	shutdownTelemetry, err := server.SetupTelemetry(ctx, cfg.ServiceName, cfg.Environment, 0, cfg.ZipkinEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	app.shutdownTelemetry = shutdownTelemetry

	logrus.Info("application initialized successfully")

	return app, nil
}

// initRedis connects the Redis client with backoff.
func (a *App) initRedis(ctx context.Context) error {
	client, err := store.InitRedisClient(ctx, a.cfg.RedisAddr(), a.cfg.RedisPassword)
	if err != nil {
		return err
	}
	a.redisClient = client
	return nil
}
