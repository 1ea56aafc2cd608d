package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/occi-engine/pkg/models"
)

type redisSnapshotRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisSnapshotRepository stores each snapshot as a JSON string under
// prefix+owner.
func NewRedisSnapshotRepository(client *redis.Client, prefix string) SnapshotRepository {
	return &redisSnapshotRepository{client: client, prefix: prefix}
}

var _ SnapshotRepository = (*redisSnapshotRepository)(nil)

func (r *redisSnapshotRepository) key(owner string) string {
	return r.prefix + owner
}

func (r *redisSnapshotRepository) Save(ctx context.Context, snap *models.TenantSnapshot) error {
	if err := checkSnapshot(snap); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key(snap.Owner), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *redisSnapshotRepository) Load(ctx context.Context, owner string) (*models.TenantSnapshot, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.key(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap models.TenantSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", owner, err)
	}
	return &snap, nil
}

func (r *redisSnapshotRepository) Delete(ctx context.Context, owner string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(owner)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (r *redisSnapshotRepository) ListOwners(ctx context.Context) ([]string, error) {
	owners := []string{}
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		owners = append(owners, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	sort.Strings(owners)
	return owners, nil
}
