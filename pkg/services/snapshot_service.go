package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/logging"
	"github.com/ekaya-inc/occi-engine/pkg/metrics"
	"github.com/ekaya-inc/occi-engine/pkg/models"
	"github.com/ekaya-inc/occi-engine/pkg/registry"
	"github.com/ekaya-inc/occi-engine/pkg/repositories"
	"github.com/ekaya-inc/occi-engine/pkg/retry"
)

// SnapshotService moves tenant registries between the in-memory manager and
// a snapshot repository.
type SnapshotService interface {
	// SaveTenant persists the owner's registry unconditionally.
	SaveTenant(ctx context.Context, owner string) error
	// LoadTenant restores the owner's registry from its stored snapshot.
	// Returns false when nothing is stored for the owner.
	LoadTenant(ctx context.Context, owner string) (bool, error)
	// DeleteTenant drops the owner's registry and its stored snapshot.
	DeleteTenant(ctx context.Context, owner string) error

	// SaveAll persists every tenant whose version moved since its last save.
	// Returns the number of tenants written.
	SaveAll(ctx context.Context) (int, error)
	// LoadAll restores every stored tenant. Returns the number restored.
	LoadAll(ctx context.Context) (int, error)

	// RunScheduler starts a background goroutine that calls SaveAll on the
	// given interval. Cancel the context to stop it.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type snapshotService struct {
	manager  *registry.Manager
	repo     repositories.SnapshotRepository
	metrics  *metrics.Metrics
	retryCfg *retry.Config
	logger   *zap.Logger

	mu    sync.Mutex
	saved map[string]uint64 // owner -> version last written or read
}

// NewSnapshotService creates a SnapshotService. metrics may be nil.
func NewSnapshotService(
	manager *registry.Manager,
	repo repositories.SnapshotRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
) SnapshotService {
	return &snapshotService{
		manager:  manager,
		repo:     repo,
		metrics:  m,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("snapshot-service"),
		saved:    make(map[string]uint64),
	}
}

var _ SnapshotService = (*snapshotService)(nil)

func (s *snapshotService) savedVersion(owner string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.saved[owner]
	return v, ok
}

func (s *snapshotService) markSaved(owner string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[owner] = version
}

func (s *snapshotService) forget(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, owner)
}

func (s *snapshotService) SaveTenant(ctx context.Context, owner string) error {
	cfg, ok := s.manager.Configuration(owner)
	if !ok {
		return fmt.Errorf("%w: tenant %s", apperrors.ErrReferenceNotFound, owner)
	}
	return s.save(ctx, cfg)
}

func (s *snapshotService) save(ctx context.Context, cfg *registry.Configuration) error {
	started := time.Now()
	snap := cfg.Snapshot()

	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		return s.repo.Save(ctx, snap)
	})
	s.metrics.ObserveSnapshot("save", started)
	if err != nil {
		s.logger.Error("Failed to save snapshot",
			zap.String("owner", snap.Owner),
			zap.Uint64("version", snap.Version),
			zap.String("error", logging.SanitizeError(err)))
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.Owner, err)
	}

	s.markSaved(snap.Owner, snap.Version)
	s.logger.Debug("Snapshot saved",
		zap.String("owner", snap.Owner),
		zap.Uint64("version", snap.Version),
		zap.Int("entities", len(snap.Entities)))
	return nil
}

func (s *snapshotService) LoadTenant(ctx context.Context, owner string) (bool, error) {
	owner = s.ownerOrDefault(owner)
	started := time.Now()

	var snap *models.TenantSnapshot
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		snap, err = s.repo.Load(ctx, owner)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to load snapshot",
			zap.String("owner", owner),
			zap.String("error", logging.SanitizeError(err)))
		return false, fmt.Errorf("failed to load snapshot for %s: %w", owner, err)
	}
	if snap == nil {
		return false, nil
	}

	cfg, err := s.manager.GetOrCreateConfiguration(owner)
	if err != nil {
		return false, err
	}
	if err := cfg.Restore(snap); err != nil {
		return false, err
	}
	s.metrics.ObserveSnapshot("load", started)
	s.markSaved(owner, cfg.Version())
	return true, nil
}

func (s *snapshotService) DeleteTenant(ctx context.Context, owner string) error {
	owner = s.ownerOrDefault(owner)
	if err := s.manager.RemoveTenant(owner); err != nil && !errors.Is(err, apperrors.ErrReferenceNotFound) {
		return err
	}
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		return s.repo.Delete(ctx, owner)
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", owner, err)
	}
	s.forget(owner)
	s.logger.Info("Tenant deleted", zap.String("owner", owner))
	return nil
}

func (s *snapshotService) SaveAll(ctx context.Context) (int, error) {
	var (
		written int
		errs    []error
	)
	for _, owner := range s.manager.Owners() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		cfg, ok := s.manager.Configuration(owner)
		if !ok {
			continue
		}
		if v, ok := s.savedVersion(owner); ok && v == cfg.Version() {
			continue
		}
		if err := s.save(ctx, cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	if written > 0 {
		s.logger.Info("Snapshots saved", zap.Int("tenants", written))
	}
	return written, errors.Join(errs...)
}

func (s *snapshotService) LoadAll(ctx context.Context) (int, error) {
	var owners []string
	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		owners, err = s.repo.ListOwners(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stored tenants: %w", err)
	}

	var (
		loaded int
		errs   []error
	)
	for _, owner := range owners {
		ok, err := s.LoadTenant(ctx, owner)
		if err != nil {
			s.logger.Error("Skipping tenant with unusable snapshot",
				zap.String("owner", owner),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			loaded++
		}
	}
	s.logger.Info("Snapshots loaded",
		zap.Int("tenants", loaded),
		zap.Int("stored", len(owners)))
	return loaded, errors.Join(errs...)
}

func (s *snapshotService) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("Autosave disabled")
		return
	}
	go func() {
		s.logger.Info("Autosave scheduler started", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Autosave scheduler stopped")
				return
			case <-ticker.C:
				if _, err := s.SaveAll(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("Autosave incomplete", zap.Error(err))
				}
			}
		}
	}()
}

func (s *snapshotService) ownerOrDefault(owner string) string {
	if owner == "" {
		return s.manager.DefaultOwner()
	}
	return owner
}
