// Package archive keeps finalized bundle snapshots after the scheduler evicts
// them from its active table.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// DefaultRetention is used when no retention is configured
const DefaultRetention = time.Hour

type memoryEntry struct {
	snap      domain.Snapshot
	expiresAt time.Time
}

// Memory is an in-process archive whose entries expire after a retention period
type Memory struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemory creates an in-memory archive
func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		entries:   make(map[string]memoryEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Save stores a snapshot and sweeps expired entries
func (m *Memory) Save(ctx context.Context, snap domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
	m.entries[snap.BundleID] = memoryEntry{snap: snap.Clone(), expiresAt: now.Add(m.retention)}
	return nil
}

// Load returns a stored snapshot or domain.ErrUnknownBundle
func (m *Memory) Load(ctx context.Context, bundleID string) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[bundleID]
	if !ok || m.now().After(e.expiresAt) {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownBundle, bundleID)
	}
	return e.snap.Clone(), nil
}

// Delete drops a stored snapshot
func (m *Memory) Delete(bundleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, bundleID)
}

// Len returns the number of stored snapshots, expired ones included
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
