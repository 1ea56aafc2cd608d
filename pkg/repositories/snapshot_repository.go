package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// SnapshotRepository persists one snapshot per tenant owner. Save replaces
// any earlier snapshot for the same owner.
type SnapshotRepository interface {
	Save(ctx context.Context, snap *models.TenantSnapshot) error
	// Load returns nil, nil when the owner has no snapshot.
	Load(ctx context.Context, owner string) (*models.TenantSnapshot, error)
	Delete(ctx context.Context, owner string) error
	// ListOwners returns owners with a stored snapshot, sorted.
	ListOwners(ctx context.Context) ([]string, error)
}

func checkSnapshot(snap *models.TenantSnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	return checkOwner(snap.Owner)
}

func checkOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("owner is required")
	}
	return nil
}
