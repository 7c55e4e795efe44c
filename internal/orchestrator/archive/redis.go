package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bundle:report:"

// Redis archives snapshots as JSON values with a TTL
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedis creates a redis-backed archive
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	return &Redis{client: client, ttl: ttl}
}

// Save stores a snapshot under bundle:report:<id>
func (r *Redis) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+snap.BundleID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load fetches a snapshot or returns domain.ErrUnknownBundle
func (r *Redis) Load(ctx context.Context, bundleID string) (domain.Snapshot, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+bundleID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownBundle, bundleID)
		}
		return domain.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}
