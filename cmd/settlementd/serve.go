package main

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/circuitbreaker"
	"github.com/LerianStudio/lib-settlement/settlement/config"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/market"
	httpapi "github.com/LerianStudio/lib-settlement/settlement/net/http"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/postgres"
	"github.com/LerianStudio/lib-settlement/settlement/rabbitmq"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/LerianStudio/lib-settlement/settlement/server"
	"github.com/LerianStudio/lib-settlement/settlement/sqlite"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/LerianStudio/lib-settlement/settlement/store/memory"
	"github.com/LerianStudio/lib-settlement/settlement/zap"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox dispatcher",
		Long: `Run the settlement HTTP API.

Redis enables the distributed purchase lock and X-Idempotency replay.
RabbitMQ enables the outbox dispatcher that publishes listing events.

Examples:
  settlementd serve
  settlementd serve -c settlement.yaml --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTP.Address = addr
			}

			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("addr", "", "listen address, overrides http.address")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	return config.Load(path)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, _, err := zap.New(zap.Config{
		Environment: zap.Environment(cfg.Service.Environment),
		Level:       cfg.Service.LogLevel,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	return logger, err
}

// components are the pieces serve builds before handing control to the
// launcher. Closers run in registration order after the workers drained.
type components struct {
	logger     log.Logger
	telemetry  *opentelemetry.Telemetry
	service    *market.Service
	store      store.Store
	idem       httpapi.IdempotencyStore
	dispatcher *outbox.Dispatcher
	closers    []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	c, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Log(ctx, log.LevelError, "startup failed", log.Err(err))
		_ = logger.Sync(ctx)

		return err
	}

	app, err := httpapi.NewRouter(httpapi.RouterConfig{
		Service:     c.service,
		Logger:      logger,
		Tracer:      c.telemetry.Tracer(),
		Metrics:     c.telemetry.MetricsFactory,
		JWTSecret:   []byte(cfg.HTTP.JWTSecret),
		Idempotency: c.idem,
		BodyLimit:   cfg.HTTP.BodyLimit,
	})
	if err != nil {
		c.closeAll()

		return err
	}

	sm := server.NewServerManager(c.telemetry, logger).
		WithHTTPServer(app, cfg.HTTP.Address).
		WithShutdownTimeout(cfg.HTTP.ShutdownTimeout)

	opts := []settlement.LauncherOption{
		settlement.WithLogger(logger),
		settlement.RunApp("http", sm),
	}

	if c.dispatcher != nil {
		sm.WithWorker("outbox", c.dispatcher)
		opts = append(opts, settlement.RunApp("outbox", c.dispatcher))
	}

	for _, closer := range c.closers {
		sm.WithCloser(closer.name, closer.close)
	}

	logger.Log(ctx, log.LevelInfo, "settlementd starting",
		log.String("version", cfg.Service.Version),
		log.String("store", cfg.Store.Backend),
		log.String("fee_policy", cfg.Engine.FeePolicy),
		log.Bool("redis", cfg.RedisEnabled()),
		log.Bool("rabbitmq", cfg.RabbitMQEnabled()),
	)

	return settlement.NewLauncher(opts...).RunWithError()
}

// build wires every backend. On error it closes whatever it already opened.
func build(ctx context.Context, cfg *config.Config, logger log.Logger) (c *components, err error) {
	c = &components{logger: logger}

	defer func() {
		if err != nil {
			c.closeAll()
		}
	}()

	c.telemetry, err = opentelemetry.InitializeTelemetry(ctx, &opentelemetry.TelemetryConfig{
		LibraryName:               cfg.Service.Name,
		ServiceName:               cfg.Service.Name,
		ServiceVersion:            cfg.Service.Version,
		DeploymentEnv:             cfg.Service.Environment,
		CollectorExporterEndpoint: cfg.Telemetry.Endpoint,
		EnableTelemetry:           cfg.Telemetry.Enabled,
		Logger:                    logger,
	})
	if err != nil {
		return c, fmt.Errorf("telemetry: %w", err)
	}

	if c.store, err = openStore(ctx, cfg, logger); err != nil {
		return c, err
	}

	policy, err := engine.ParseFeePolicy(cfg.Engine.FeePolicy)
	if err != nil {
		return c, err
	}

	eng, err := engine.New(engine.WithFeePolicy(policy), engine.WithDestinationRent(cfg.Engine.DestinationRent))
	if err != nil {
		return c, err
	}

	marketOpts := []market.Option{market.WithVaultRent(cfg.Engine.VaultRent)}

	if cfg.RedisEnabled() {
		locker, err := c.wireRedis(ctx, cfg)
		if err != nil {
			return c, err
		}

		marketOpts = append(marketOpts, market.WithLocker(locker))
	}

	if cfg.RabbitMQEnabled() {
		if err := c.wireRabbitMQ(ctx, cfg); err != nil {
			return c, err
		}
	}

	// The store closes last so the dispatcher can finish its final batch.
	c.closers = append(c.closers, namedCloser{name: "store", close: c.store.Close})

	c.service, err = market.New(c.store, eng, marketOpts...)

	return c, err
}

func openStore(ctx context.Context, cfg *config.Config, logger log.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		return sqlite.Open(ctx, cfg.Store.SQLiteDSN, logger)
	case config.BackendPostgres:
		client, err := postgres.New(postgres.Config{
			PrimaryDSN:         cfg.Store.PostgresDSN,
			ReplicaDSN:         cfg.Store.PostgresReplicaDSN,
			Logger:             logger,
			MaxOpenConnections: cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}

		if err := client.Connect(ctx); err != nil {
			return nil, err
		}

		st, err := client.Store(ctx)
		if err != nil {
			_ = client.Close()

			return nil, err
		}

		return st, nil
	default:
		return memory.New(), nil
	}
}

func (c *components) wireRedis(ctx context.Context, cfg *config.Config) (market.Locker, error) {
	conn, err := redis.New(ctx, redis.Config{
		Addresses:      cfg.Redis.Addresses,
		MasterName:     cfg.Redis.MasterName,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		TLS:            cfg.Redis.TLS,
		Logger:         c.logger,
		MetricsFactory: c.telemetry.MetricsFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	c.closers = append(c.closers, namedCloser{name: "redis", close: conn.Close})

	locks, err := redis.NewRedisLockManager(conn)
	if err != nil {
		return nil, err
	}

	idem, err := redis.NewIdempotencyStore(conn, cfg.Redis.IdempotencyTTL)
	if err != nil {
		return nil, err
	}

	c.idem = idem

	return locks.WithDefaultOptions(redis.PurchaseLockOptions()), nil
}

func (c *components) wireRabbitMQ(ctx context.Context, cfg *config.Config) error {
	conn, err := rabbitmq.Dial(ctx, rabbitmq.Config{
		URL:      cfg.RabbitMQ.URL,
		Exchange: cfg.RabbitMQ.Exchange,
		Queue:    cfg.RabbitMQ.Queue,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}

	c.closers = append(c.closers, namedCloser{name: "rabbitmq", close: conn.Close})

	publisher, err := rabbitmq.NewPublisher(conn.Channel(), conn.Config.Exchange,
		rabbitmq.WithCircuitBreaker(circuitbreaker.NewManager(c.logger)),
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithTracer(c.telemetry.Tracer()),
	)
	if err != nil {
		return err
	}

	c.closers = append([]namedCloser{{name: "publisher", close: publisher.Close}}, c.closers...)

	registry := outbox.NewHandlerRegistry()

	if err := registry.RegisterAll(publisher.Handler(),
		constant.EventListingCreated,
		constant.EventListingSettled,
		constant.EventListingDelisted,
	); err != nil {
		return err
	}

	c.logger.Log(ctx, log.LevelInfo, "outbox publishing enabled",
		log.String("exchange", conn.Config.Exchange),
		log.Any("event_types", registry.Types()),
	)

	c.dispatcher, err = outbox.NewDispatcher(c.store, registry, c.logger, c.telemetry.Tracer(),
		outbox.WithDispatchInterval(cfg.Outbox.DispatchInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxDispatchAttempts(cfg.Outbox.MaxDispatchAttempt),
		outbox.WithProcessingTimeout(cfg.Outbox.ProcessingTimeout),
		outbox.WithMetricsFactory(c.telemetry.MetricsFactory),
	)

	return err
}

func (c *components) closeAll() {
	for _, closer := range c.closers {
		if err := closer.close(); err != nil {
			c.logger.Log(context.Background(), log.LevelWarn, "close failed", log.String("component", closer.name), log.Err(err))
		}
	}

	if c.store != nil && !c.hasCloser("store") {
		_ = c.store.Close()
	}

	c.telemetry.ShutdownTelemetry(context.Background())
}

func (c *components) hasCloser(name string) bool {
	for _, closer := range c.closers {
		if closer.name == name {
			return true
		}
	}

	return false
}
