package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/consistency/internal/api"
	"github.com/phrazzld/consistency/internal/capability"
	"github.com/phrazzld/consistency/internal/capture"
	"github.com/phrazzld/consistency/internal/config"
	"github.com/phrazzld/consistency/internal/election"
	"github.com/phrazzld/consistency/internal/events"
	"github.com/phrazzld/consistency/internal/platform/localstore"
	"github.com/phrazzld/consistency/internal/platform/postgres"
	"github.com/phrazzld/consistency/internal/service"
	"github.com/phrazzld/consistency/internal/shard"
	"github.com/phrazzld/consistency/internal/store"
	"github.com/phrazzld/consistency/internal/task"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	redisConnectTimeout = 10 * time.Second

	// lastHourQueryName selects a one hour window instead of the
	// configured lookback.
	lastHourQueryName = "last_hour"
)

// application holds the long-lived components of a node.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	db        *sql.DB
	local     *localstore.Queue
	redis     *redis.Client
	telemetry *telemetry
	pool      *task.WorkerPool
	elector   *election.Elector
	scheduler *task.ScheduleManager
	server    *http.Server
}

// newApplication connects the stores and wires every component. On error
// whatever was already opened is closed again.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	if app.telemetry, err = newTelemetry(); err != nil {
		return nil, err
	}

	if app.db, err = openDatabase(ctx, cfg.Database, logger); err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err = postgres.Migrate(ctx, app.db, "up", logger); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	taskStore := postgres.NewPostgresTaskInstanceStore(app.db, logger)

	if app.local, err = localstore.Open(cfg.LocalQueue.Path, logger); err != nil {
		return nil, fmt.Errorf("failed to open local queue: %w", err)
	}

	var sinks *capability.Registry[events.AlertSink]
	if sinks, app.redis, err = newAlertSinks(ctx, cfg, logger); err != nil {
		return nil, err
	}

	registry := task.NewRegistry()
	fallbacks := capability.NewRegistry[task.FallbackHandler]()

	engine := task.NewEngine(task.EngineDeps{
		Store:     taskStore,
		Local:     app.local,
		Registry:  registry,
		Fallbacks: fallbacks,
		Alerts:    events.NewAlertDispatcher(sinks, cfg.Alert.DefaultSink, logger),
	}, task.EngineConfig{
		FallbackThreshold:      cfg.Execution.FallbackThreshold,
		DefaultAlertExpression: cfg.Execution.DefaultAlertExpression,
		MeterProvider:          app.telemetry.provider,
	}, logger)

	app.pool = task.NewWorkerPool(task.WorkerPoolConfig{
		WorkerCount: cfg.Execution.WorkerCount,
		QueueSize:   cfg.Execution.QueueSize,
	}, logger)

	keys, err := newKeyGenerator(cfg.Cluster, logger)
	if err != nil {
		return nil, err
	}

	strategy, err := shard.StrategyByName(cfg.Cluster.Strategy)
	if err != nil {
		return nil, err
	}
	app.elector, err = election.New(
		electionConfig(cfg.Cluster),
		strategy,
		election.NewRestyHeartbeatClient(cfg.Cluster.HeartbeatTimeout),
		nil,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create elector: %w", err)
	}

	app.scheduler = task.NewScheduleManager(task.ScheduleDeps{
		Store:     taskStore,
		Local:     app.local,
		Query:     newTimeRangeQuery(cfg.Schedule, logger),
		Ownership: app.elector,
		Executor:  engine,
		Pool:      app.pool,
	}, task.ScheduleConfig{
		Interval:               cfg.Schedule.Interval,
		LocalBatchSize:         cfg.Schedule.LocalBatchSize,
		ShardCount:             cfg.Cluster.ShardCount,
		TaskSharded:            cfg.Cluster.TaskSharded,
		StuckTaskAge:           cfg.Schedule.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Schedule.StuckTaskCheckInterval,
		MeterProvider:          app.telemetry.provider,
	}, logger)

	capturer := capture.New(capture.Deps{
		Store:    taskStore,
		Local:    app.local,
		Registry: registry,
		Executor: engine,
		Pool:     app.pool,
		Keys:     keys,
	}, capture.Config{
		TaskSharded:        cfg.Cluster.TaskSharded,
		DefaultIntervalSec: cfg.Execution.DefaultIntervalSec,
	}, logger)

	primary, secondary := newDeliverers(cfg.Orders, logger)
	fallbacks.RegisterValue(service.OrderMessageFallbackName, service.NewOrderMessageFallback(secondary, logger))
	messenger, err := service.NewOrderMessenger(capturer, primary, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to register order operations: %w", err)
	}

	router := api.NewRouter(api.Handlers{
		Leader:  api.NewLeaderHandler(app.elector, logger),
		Health:  api.NewHealthHandler(app.db, app.local, app.elector),
		Orders:  api.NewOrderHandler(messenger),
		Metrics: app.telemetry.handler,
	})
	app.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("application initialized",
		"self_id", cfg.Cluster.SelfID,
		"peers", len(cfg.Cluster.Peers),
		"shard_count", cfg.Cluster.ShardCount,
		"operations", registry.Signatures())
	return app, nil
}

// run serves HTTP and runs the elector and the schedule manager until ctx
// is done or one of them fails, then shuts the server down and drains the
// worker pool.
func (app *application) run(ctx context.Context) error {
	app.pool.Start()
	defer app.pool.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("starting server", "addr", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.elector.Run(gctx)
	})
	g.Go(func() error {
		return app.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.Server.ShutdownTimeout)
		defer cancel()
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	app.logger.Info("node stopped", "error", err)
	return err
}

// cleanup releases everything newApplication opened. It tolerates a
// partially initialized application.
func (app *application) cleanup() {
	if app.pool != nil {
		app.pool.Stop()
	}
	if app.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.telemetry.shutdown(ctx); err != nil {
			app.logger.Error("failed to shut down meter provider", "error", err)
		}
		cancel()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", "error", err)
		}
	}
	if app.local != nil {
		if err := app.local.Close(); err != nil {
			app.logger.Error("failed to close local queue", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
}

func electionConfig(c config.ClusterConfig) election.Config {
	peers := make([]election.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, election.Peer{ID: p.ID, URL: p.URL})
	}
	return election.Config{
		SelfID:            c.SelfID,
		Peers:             peers,
		ShardCount:        c.ShardCount,
		HeartbeatInterval: c.HeartbeatInterval,
		PeerTimeout:       c.PeerTimeout,
		AssignmentTTL:     c.AssignmentTTL,
	}
}

// newKeyGenerator resolves the configured shard key generator, falling
// back to a snowflake generator seeded with this node's ID.
func newKeyGenerator(c config.ClusterConfig, logger *slog.Logger) (shard.KeyGenerator, error) {
	snowflake, err := shard.NewSnowflakeGenerator(c.SelfID)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard key generator: %w", err)
	}
	generators := capability.NewRegistry[shard.KeyGenerator]()
	generators.RegisterValue(shard.DefaultGeneratorName, snowflake)
	return shard.NewKeyResolver(c.ShardKeyGenerator, generators, snowflake, logger), nil
}

func newTimeRangeQuery(c config.ScheduleConfig, logger *slog.Logger) store.TimeRangeQuery {
	queries := capability.NewRegistry[store.TimeRangeQuery]()
	queries.RegisterValue(lastHourQueryName, store.NewWindowQuery(time.Hour, c.QueryLimit, nil))
	return store.ResolveTimeRangeQuery(
		c.TimeRangeQuery,
		queries,
		store.NewWindowQuery(c.QueryLookback, c.QueryLimit, nil),
		logger,
	)
}

// newAlertSinks registers the log sink and, when a redis URL is set, the
// redis sink. The returned client is nil without redis.
func newAlertSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*capability.Registry[events.AlertSink], *redis.Client, error) {
	sinks := capability.NewRegistry[events.AlertSink]()
	sinks.RegisterValue(events.LogSinkName, events.NewLogSink(logger))

	if cfg.Redis.URL == "" {
		return sinks, nil, nil
	}
	client, err := events.ConnectRedis(ctx, cfg.Redis.URL, redisConnectTimeout, logger)
	if err != nil {
		return nil, nil, err
	}
	sinks.RegisterValue(events.RedisSinkName, events.NewRedisSink(client, cfg.Alert.RedisChannel, logger))
	return sinks, client, nil
}

// newDeliverers returns the order message deliverer and the secondary the
// fallback hands messages to. Without a webhook messages are only logged
// and the fallback just parks them.
func newDeliverers(c config.OrdersConfig, logger *slog.Logger) (service.Deliverer, service.Deliverer) {
	if c.WebhookURL == "" {
		return service.NewLogDeliverer(logger), nil
	}
	return service.NewWebhookDeliverer(c.WebhookURL, c.WebhookTimeout), service.NewLogDeliverer(logger)
}
