package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	orchdomain "github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Migrations holds the goose migrations for the event log schema
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that goose reads
const MigrationsDir = "migrations"

// Storage handles all database operations for the event log
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// InsertEvent records an event once. It reports false when the event id was already stored.
func (s *Storage) InsertEvent(ctx context.Context, rec domain.EventRecord) (bool, error) {
	query := `
		INSERT INTO bundle_events (event_id, bundle_id, service, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.EventID,
		rec.BundleID,
		rec.Service,
		rec.EventType,
		[]byte(rec.Payload),
		rec.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ListEvents returns the stored events of a bundle in occurrence order
func (s *Storage) ListEvents(ctx context.Context, bundleID string) ([]domain.EventRecord, error) {
	query := `
		SELECT event_id, bundle_id, service, event_type, payload, occurred_at, recorded_at
		FROM bundle_events
		WHERE bundle_id = $1
		ORDER BY occurred_at ASC, recorded_at ASC
	`

	var records []domain.EventRecord
	if err := s.db.SelectContext(ctx, &records, query, bundleID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return records, nil
}

// SaveReport upserts the final snapshot of a bundle
func (s *Storage) SaveReport(ctx context.Context, snap orchdomain.Snapshot) error {
	query := `
		INSERT INTO bundle_reports (bundle_id, state, report, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (bundle_id) DO UPDATE
		SET state = EXCLUDED.state,
		    report = EXCLUDED.report,
		    finished_at = EXCLUDED.finished_at,
		    updated_at = NOW()
	`

	report, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	var finishedAt sql.NullTime
	if snap.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *snap.FinishedAt, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query, snap.BundleID, string(snap.State), report, finishedAt); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	s.logger.Info("Bundle report saved",
		slog.String("bundle_id", snap.BundleID),
		slog.String("state", string(snap.State)),
	)

	return nil
}

// LoadReport retrieves the final snapshot of a bundle
func (s *Storage) LoadReport(ctx context.Context, bundleID string) (orchdomain.Snapshot, error) {
	query := `SELECT report FROM bundle_reports WHERE bundle_id = $1`

	var report []byte
	if err := s.db.GetContext(ctx, &report, query, bundleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orchdomain.Snapshot{}, domain.ErrReportNotFound
		}
		return orchdomain.Snapshot{}, fmt.Errorf("failed to load report: %w", err)
	}

	var snap orchdomain.Snapshot
	if err := json.Unmarshal(report, &snap); err != nil {
		return orchdomain.Snapshot{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return snap, nil
}

// Save lets the scheduler archive finalized bundles in the reports table
func (s *Storage) Save(ctx context.Context, snap orchdomain.Snapshot) error {
	return s.SaveReport(ctx, snap)
}

// Load lets the scheduler read archived bundles back from the reports table
func (s *Storage) Load(ctx context.Context, bundleID string) (orchdomain.Snapshot, error) {
	snap, err := s.LoadReport(ctx, bundleID)
	if errors.Is(err, domain.ErrReportNotFound) {
		return orchdomain.Snapshot{}, fmt.Errorf("%w: %s", orchdomain.ErrUnknownBundle, bundleID)
	}
	return snap, err
}
