package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/api/handler"
	"github.com/cuongbtq/trial-bundler/internal/api/router"
	"github.com/cuongbtq/trial-bundler/internal/config"
	"github.com/cuongbtq/trial-bundler/internal/events"
	"github.com/cuongbtq/trial-bundler/internal/executor"
	"github.com/cuongbtq/trial-bundler/internal/metrics"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/archive"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/backoff"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/scheduler"
	"github.com/cuongbtq/trial-bundler/internal/worker/storage"
	"github.com/cuongbtq/trial-bundler/shared/logger"
	"github.com/cuongbtq/trial-bundler/shared/postgresql"
	"github.com/cuongbtq/trial-bundler/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, "bundle-api-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.New()

	// Initialize archive for finalized bundles
	bundleArchive, closeArchive, err := initArchive(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	defer closeArchive()

	g, gctx := errgroup.WithContext(ctx)

	// Mirror events to RabbitMQ when enabled. The mirror outlives gctx and
	// stops only after the scheduler has drained its shutdown events.
	var mirror events.Mirror
	stopMirror := func() {}
	defer func() { stopMirror() }()
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")

		brokerMirror := events.NewBrokerMirror(
			appLogger.Component("mirror"),
			rabbitClient,
			cfg.RabbitMQ.Publish.Buffer,
			cfg.RabbitMQ.Publish.Timeout,
		)
		mirror = brokerMirror
		stopMirror = brokerMirror.Close
		g.Go(func() error { return brokerMirror.Start(context.WithoutCancel(gctx)) })
	}

	publisher := events.NewPublisher(&events.Config{
		Logger:  appLogger.Component("publisher"),
		Metrics: appMetrics,
	})
	bridge := events.NewBridge(appLogger.Logger, publisher, mirror)

	provisioner, err := executor.New(&executor.Config{
		Logger:    appLogger.Component("executor"),
		Endpoint:  cfg.Executor.Endpoint,
		AuthToken: cfg.Executor.AuthToken,
		Timeout:   cfg.Executor.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	sched, err := scheduler.NewScheduler(&scheduler.Config{
		Logger:               appLogger.Component("scheduler"),
		Executor:             provisioner,
		Sink:                 bridge,
		Archive:              bundleArchive,
		Metrics:              appMetrics,
		Backoff:              backoffPolicy(&cfg.Orchestrator),
		MaxConcurrent:        cfg.Orchestrator.MaxConcurrent,
		DelayBetweenLaunches: cfg.Orchestrator.DelayBetweenLaunches,
		BundleTimeout:        cfg.Orchestrator.BundleTimeout,
		AttemptTimeout:       cfg.Orchestrator.AttemptTimeout,
		Jitter:               cfg.Orchestrator.Jitter,
		FailFastRequired:     cfg.Orchestrator.FailFastRequired,
		Retention:            cfg.Archive.Retention,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	g.Go(func() error {
		defer stopMirror()
		return sched.Start(gctx)
	})

	if cfg.Orchestrator.StatsInterval > 0 {
		g.Go(func() error {
			return bridge.RunStats(gctx, cfg.Orchestrator.StatsInterval, func() any { return sched.Stats() })
		})
	}

	// the postgres archive also serves the event history written by the worker-service
	eventLog, _ := bundleArchive.(handler.EventLog)

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Context:   gctx,
		Logger:    appLogger.Logger,
		Scheduler: sched,
		Events:    eventLog,
		Registry:  publisher,
		Peers:     appMetrics,
		Channel: handler.ChannelConfig{
			AuthToken:        cfg.Channel.AuthToken,
			HeartbeatTimeout: cfg.Channel.HeartbeatTimeout,
			SendBuffer:       cfg.Channel.SendBuffer,
		},
		Metrics: appMetrics.Handler(),
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown",
				slog.Any("error", err),
			)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("API service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// initArchive builds the configured archive driver and a function releasing its connections
func initArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Archive, func(), error) {
	switch cfg.Archive.Driver {
	case config.ArchiveRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("Using redis archive", slog.String("addr", cfg.Redis.Addr))
		return archive.NewRedis(client, cfg.Archive.Retention), func() { client.Close() }, nil

	case config.ArchivePostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := dbClient.Migrate(ctx, storage.Migrations, storage.MigrationsDir); err != nil {
				dbClient.Close()
				return nil, nil, err
			}
		}
		logger.Info("Using postgres archive", slog.String("database", cfg.Database.Database))
		return storage.NewStorage(dbClient.GetDB(), logger), func() { dbClient.Close() }, nil

	default:
		logger.Info("Using in-memory archive", slog.Duration("retention", cfg.Archive.Retention))
		return archive.NewMemory(cfg.Archive.Retention), func() {}, nil
	}
}

// backoffPolicy maps the orchestrator section onto a retry policy, keeping defaults for unset values
func backoffPolicy(cfg *config.OrchestratorConfig) backoff.Policy {
	policy := backoff.DefaultPolicy()
	if cfg.Backoff.Base > 0 {
		policy.BaseDelay = cfg.Backoff.Base
	}
	if cfg.Backoff.Factor > 0 {
		policy.Factor = cfg.Backoff.Factor
	}
	if cfg.Backoff.CapBase > 0 {
		policy.CapBase = cfg.Backoff.CapBase
	}

	classes := map[domain.Priority]config.PriorityConfig{
		domain.PriorityHigh:   cfg.Priorities.High,
		domain.PriorityMedium: cfg.Priorities.Medium,
		domain.PriorityLow:    cfg.Priorities.Low,
	}
	for priority, pc := range classes {
		if pc.MaxRetries == 0 {
			continue
		}
		policy.Classes[priority] = backoff.Class{
			MaxRetries:        pc.MaxRetries,
			TimeoutMultiplier: pc.TimeoutMultiplier,
			CapMultiplier:     pc.CapMultiplier,
		}
	}
	return policy
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		DSN:             cfg.DSN,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client used to mirror events. No queue is declared.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
