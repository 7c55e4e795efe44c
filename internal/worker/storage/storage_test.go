package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	orchdomain "github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/cuongbtq/trial-bundler/internal/worker/domain"
	"github.com/cuongbtq/trial-bundler/shared/postgresql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStorage connects to the database named by ARCHIVE_TEST_DSN and applies migrations
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	dsn := os.Getenv("ARCHIVE_TEST_DSN")
	if dsn == "" {
		t.Skip("ARCHIVE_TEST_DSN not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := postgresql.NewClient(&postgresql.Config{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, client.Migrate(ctx, Migrations, MigrationsDir))

	return NewStorage(client.GetDB(), logger)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := Migrations.ReadDir(MigrationsDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "00001_create_bundle_events.sql", entries[0].Name())
	assert.Equal(t, "00002_create_bundle_reports.sql", entries[1].Name())
}

func TestStorage_InsertEventIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	bundleID := uuid.NewString()
	rec := domain.EventRecord{
		EventID:    uuid.NewString(),
		BundleID:   bundleID,
		Service:    "github",
		EventType:  "trial_update",
		Payload:    json.RawMessage(`{"state":"RUNNING"}`),
		OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	inserted, err := s.InsertEvent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertEvent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "redelivered event must not be stored twice")

	events, err := s.ListEvents(ctx, bundleID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, rec.EventID, events[0].EventID)
	assert.Equal(t, "github", events[0].Service)
	assert.JSONEq(t, `{"state":"RUNNING"}`, string(events[0].Payload))
}

func TestStorage_ReportRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	bundleID := uuid.NewString()
	_, err := s.Load(ctx, bundleID)
	assert.ErrorIs(t, err, orchdomain.ErrUnknownBundle)

	finished := time.Now().UTC().Truncate(time.Millisecond)
	snap := orchdomain.Snapshot{
		BundleID:   bundleID,
		Mode:       orchdomain.ModeConcurrent,
		State:      orchdomain.BundlePartialSuccess,
		FinishedAt: &finished,
	}
	require.NoError(t, s.Save(ctx, snap))

	snap.State = orchdomain.BundleSucceeded
	require.NoError(t, s.Save(ctx, snap), "saving twice overwrites the report")

	loaded, err := s.Load(ctx, bundleID)
	require.NoError(t, err)
	assert.Equal(t, orchdomain.BundleSucceeded, loaded.State)
	require.NotNil(t, loaded.FinishedAt)
	assert.True(t, finished.Equal(*loaded.FinishedAt))
}
