package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	orchdomain "github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliverySource is the broker side of the worker
type DeliverySource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// EventStore persists mirrored events and final bundle reports
type EventStore interface {
	InsertEvent(ctx context.Context, rec domain.EventRecord) (bool, error)
	SaveReport(ctx context.Context, snap orchdomain.Snapshot) error
}

// Config holds worker configuration
type Config struct {
	Logger         *slog.Logger
	Source         DeliverySource
	Store          EventStore
	WorkerID       string
	QueueName      string
	Concurrency    int
	PrefetchCount  int
	ProcessTimeout time.Duration
}

// Worker consumes mirrored bundle events and writes them to the event log
type Worker struct {
	logger         *slog.Logger
	source         DeliverySource
	storage        EventStore
	workerID       string
	queueName      string
	concurrency    int
	prefetchCount  int
	processTimeout time.Duration
	eventsChan     chan *eventMessage
	wg             sync.WaitGroup
	stopChan       chan struct{}
	stopOnce       sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Source == nil || cfg.Store == nil {
		return nil, fmt.Errorf("worker requires a delivery source and an event store")
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency * 2
	}
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Worker{
		logger:         cfg.Logger,
		source:         cfg.Source,
		storage:        cfg.Store,
		workerID:       workerID,
		queueName:      cfg.QueueName,
		concurrency:    concurrency,
		prefetchCount:  prefetch,
		processTimeout: timeout,
		eventsChan:     make(chan *eventMessage, concurrency),
		stopChan:       make(chan struct{}),
	}, nil
}

// Start consumes events until ctx is canceled, Stop is called, or the broker closes the delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("process_timeout", w.processTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	// the dispatcher is the only sender
	close(w.eventsChan)
	w.wg.Wait()

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop asks the dispatcher and pool to exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
