package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/occi-engine/pkg/database"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

type postgresSnapshotRepository struct {
	db *database.DB
}

// NewPostgresSnapshotRepository stores snapshots as JSONB rows keyed by owner.
func NewPostgresSnapshotRepository(db *database.DB) SnapshotRepository {
	return &postgresSnapshotRepository{db: db}
}

var _ SnapshotRepository = (*postgresSnapshotRepository)(nil)

func (r *postgresSnapshotRepository) Save(ctx context.Context, snap *models.TenantSnapshot) error {
	if err := checkSnapshot(snap); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
		INSERT INTO occi_tenant_snapshots (owner, version, snapshot, taken_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (owner) DO UPDATE SET
			version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot,
			taken_at = EXCLUDED.taken_at,
			updated_at = now()`

	if _, err := r.db.Exec(ctx, query, snap.Owner, int64(snap.Version), data, snap.TakenAt); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *postgresSnapshotRepository) Load(ctx context.Context, owner string) (*models.TenantSnapshot, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}

	var data []byte
	err := r.db.QueryRow(ctx,
		`SELECT snapshot FROM occi_tenant_snapshots WHERE owner = $1`, owner).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (r *postgresSnapshotRepository) Delete(ctx context.Context, owner string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM occi_tenant_snapshots WHERE owner = $1`, owner); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (r *postgresSnapshotRepository) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT owner FROM occi_tenant_snapshots ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}

	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan owners: %w", err)
	}
	return owners, nil
}
