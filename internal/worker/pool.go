package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/trial-bundler/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine.
// It drains eventsChan until the dispatcher closes it.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for msg := range w.eventsChan {
		err := w.processEvent(ctx, msg)

		if err != nil {
			requeue := w.shouldRequeue(err, msg.delivery.Redelivered)
			w.logger.Error("Event processing failed",
				slog.String("worker_name", workerName),
				slog.String("event_id", msg.envelope.EventID),
				slog.String("error", err.Error()),
				slog.Bool("requeue", requeue),
			)

			if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("event_id", msg.envelope.EventID),
					slog.String("error", nackErr.Error()),
				)
			}
			continue
		}

		if ackErr := msg.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("event_id", msg.envelope.EventID),
				slog.String("error", ackErr.Error()),
			)
		}
	}

	w.logger.Debug("Worker goroutine stopping - eventsChan closed",
		slog.String("worker_name", workerName),
	)
}

// shouldRequeue gives transient failures one more delivery; anything else is dead-lettered
func (w *Worker) shouldRequeue(err error, redelivered bool) bool {
	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return !redelivered
	}

	return false
}
