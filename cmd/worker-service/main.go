package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/config"
	"github.com/cuongbtq/trial-bundler/internal/worker"
	"github.com/cuongbtq/trial-bundler/internal/worker/storage"
	"github.com/cuongbtq/trial-bundler/shared/logger"
	"github.com/cuongbtq/trial-bundler/shared/postgresql"
	"github.com/cuongbtq/trial-bundler/shared/rabbitmq"
	"github.com/joho/godotenv"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, "bundle-worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := dbClient.Migrate(migrateCtx, storage.Migrations, storage.MigrationsDir)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established",
		slog.String("queue", cfg.RabbitMQ.Queue.Name),
		slog.String("dead_letter_queue", rabbitClient.DeadLetterQueue()),
	)

	// Create worker instance
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:         appLogger.Component("worker"),
		Source:         rabbitClient,
		Store:          storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		WorkerID:       cfg.Worker.ID,
		QueueName:      cfg.RabbitMQ.Queue.Name,
		Concurrency:    cfg.Worker.Concurrency,
		PrefetchCount:  cfg.RabbitMQ.Consumer.PrefetchCount,
		ProcessTimeout: cfg.Worker.ProcessTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// canceled only when the graceful drain times out
	runCtx, forceExit := context.WithCancel(context.Background())
	defer forceExit()

	done := make(chan error, 1)
	go func() {
		done <- workerInstance.Start(runCtx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Int("prefetch", cfg.RabbitMQ.Consumer.PrefetchCount),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Received shutdown signal, draining in-flight events")
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		// the delivery channel closes when the broker drops the connection
		appLogger.Warn("Worker exited",
			slog.Bool("rabbitmq_connected", rabbitClient.IsConnected()),
		)
		return nil
	}

	workerInstance.Stop()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
		forceExit()
	}

	appLogger.Info("Worker service shutdown complete",
		slog.String("db_stats", dbClient.Stats()),
	)
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

// initRabbitMQ initializes the RabbitMQ client
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
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
