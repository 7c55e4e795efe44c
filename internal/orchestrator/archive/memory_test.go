package archive

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SaveLoad(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	snap := domain.Snapshot{BundleID: "b-1", State: domain.BundleSucceeded}
	require.NoError(t, m.Save(ctx, snap))

	got, err := m.Load(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BundleSucceeded, got.State)
}

func TestMemory_UnknownBundle(t *testing.T) {
	m := NewMemory(time.Minute)

	_, err := m.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownBundle)
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, domain.Snapshot{BundleID: "old"}))

	now = now.Add(2 * time.Minute)
	_, err := m.Load(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrUnknownBundle)

	require.NoError(t, m.Save(ctx, domain.Snapshot{BundleID: "new"}))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_SnapshotsDoNotAlias(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(saved, loaded *domain.Snapshot)
	}{
		{
			name: "caller mutates the saved snapshot",
			mutate: func(saved, _ *domain.Snapshot) {
				saved.Attempts[0].State = domain.AttemptFailed
				saved.Attempts[0].Service.Capabilities[0] = "mutated"
				saved.Criteria.RequiredServices[0] = "mutated"
			},
		},
		{
			name: "caller mutates a loaded snapshot",
			mutate: func(_, loaded *domain.Snapshot) {
				loaded.Attempts[0].State = domain.AttemptFailed
				loaded.Attempts[0].Service.Capabilities[0] = "mutated"
				loaded.Criteria.RequiredServices[0] = "mutated"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(time.Minute)
			ctx := context.Background()

			saved := domain.Snapshot{
				BundleID: "b-1",
				State:    domain.BundleSucceeded,
				Criteria: domain.Criteria{RequiredServices: []string{"netflix"}},
				Attempts: []domain.AttemptRecord{{
					Service: domain.ServiceDescriptor{Name: "netflix", Capabilities: []string{domain.CapabilityPayment}},
					State:   domain.AttemptSucceeded,
				}},
			}
			require.NoError(t, m.Save(ctx, saved))

			loaded, err := m.Load(ctx, "b-1")
			require.NoError(t, err)
			tt.mutate(&saved, &loaded)

			again, err := m.Load(ctx, "b-1")
			require.NoError(t, err)
			assert.Equal(t, domain.AttemptSucceeded, again.Attempts[0].State)
			assert.Equal(t, []string{domain.CapabilityPayment}, again.Attempts[0].Service.Capabilities)
			assert.Equal(t, []string{"netflix"}, again.Criteria.RequiredServices)
		})
	}
}
