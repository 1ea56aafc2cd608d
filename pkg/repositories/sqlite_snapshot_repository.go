package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ekaya-inc/occi-engine/pkg/models"
)

type sqliteSnapshotRepository struct {
	db *sql.DB
}

// NewSQLiteSnapshotRepository stores snapshots as JSON text in SQLite. db must
// have the snapshot migrations applied.
func NewSQLiteSnapshotRepository(db *sql.DB) SnapshotRepository {
	return &sqliteSnapshotRepository{db: db}
}

var _ SnapshotRepository = (*sqliteSnapshotRepository)(nil)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func (r *sqliteSnapshotRepository) Save(ctx context.Context, snap *models.TenantSnapshot) error {
	if err := checkSnapshot(snap); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
		INSERT INTO occi_tenant_snapshots (owner, version, snapshot, taken_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner) DO UPDATE SET
			version = excluded.version,
			snapshot = excluded.snapshot,
			taken_at = excluded.taken_at,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		snap.Owner, int64(snap.Version), string(data), toMillis(snap.TakenAt), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *sqliteSnapshotRepository) Load(ctx context.Context, owner string) (*models.TenantSnapshot, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}

	var data string
	err := r.db.QueryRowContext(ctx,
		`SELECT snapshot FROM occi_tenant_snapshots WHERE owner = ?`, owner).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap models.TenantSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", owner, err)
	}
	return &snap, nil
}

func (r *sqliteSnapshotRepository) Delete(ctx context.Context, owner string) error {
	if err := checkOwner(owner); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM occi_tenant_snapshots WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (r *sqliteSnapshotRepository) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT owner FROM occi_tenant_snapshots ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}
