package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/channel"
	orchdomain "github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/worker/domain"
)

// processEvent stores one event and, for finalized bundle updates, the bundle report
func (w *Worker) processEvent(ctx context.Context, msg *eventMessage) error {
	env := msg.envelope

	// the pool drains after ctx is canceled, so storage calls get their own deadline
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.processTimeout)
	defer cancel()

	inserted, err := w.storage.InsertEvent(procCtx, domain.EventRecord{
		EventID:    env.EventID,
		BundleID:   env.BundleID,
		Service:    env.Service,
		EventType:  env.Type,
		Payload:    env.Payload,
		OccurredAt: env.OccurredAt,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to record event %s: %w", env.EventID, err))
	}
	if !inserted {
		w.logger.Debug("Duplicate event skipped",
			slog.String("event_id", env.EventID),
			slog.String("bundle_id", env.BundleID),
		)
	}

	// reports are upserted, so a redelivered bundle update still gets its report written
	if env.Type != channel.TypeBundleUpdate {
		return nil
	}

	var snap orchdomain.Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if !snap.State.Final() {
		return nil
	}
	if snap.BundleID == "" {
		snap.BundleID = env.BundleID
	}

	if err := w.storage.SaveReport(procCtx, snap); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to save report for %s: %w", snap.BundleID, err))
	}

	w.logger.Info("Bundle finalized",
		slog.String("bundle_id", snap.BundleID),
		slog.String("state", string(snap.State)),
	)
	return nil
}
