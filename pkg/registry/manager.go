// Package registry keeps the per-owner state of the OCCI server: the
// extensions each tenant uses, its mixin tags and its entities.
//
// Every operation names its owner explicitly. A tenant is created on first
// access with the default extension set.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/catalog"
	"github.com/ekaya-inc/occi-engine/pkg/metrics"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// DefaultOwner is used when no owner is configured.
const DefaultOwner = "anonymous"

// ErrManagerClosed is returned by every operation after Close.
var ErrManagerClosed = errors.New("registry manager is closed")

// Options configures a Manager.
type Options struct {
	// DefaultOwner replaces an empty owner. Defaults to DefaultOwner.
	DefaultOwner string
	// DefaultExtensions are attached to every new tenant.
	DefaultExtensions []string
	Metrics           *metrics.Metrics
}

// Manager owns the tenant registries of the process.
type Manager struct {
	catalog *catalog.Catalog
	opts    Options
	logger  *zap.Logger

	mu      sync.RWMutex
	tenants map[string]*Configuration
	closed  bool
}

// NewManager creates a manager over cat. Every default extension must already
// be loaded in cat.
func NewManager(cat *catalog.Catalog, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.DefaultOwner == "" {
		opts.DefaultOwner = DefaultOwner
	}
	for _, name := range opts.DefaultExtensions {
		if _, ok := cat.Extension(name); !ok {
			return nil, fmt.Errorf("%w: default extension %s is not loaded", apperrors.ErrReferenceNotFound, name)
		}
	}
	m := &Manager{
		catalog: cat,
		opts:    opts,
		logger:  logger.Named("registry"),
		tenants: make(map[string]*Configuration),
	}
	m.logger.Info("Registry manager started",
		zap.String("default_owner", opts.DefaultOwner),
		zap.Strings("default_extensions", opts.DefaultExtensions))
	return m, nil
}

// Catalog returns the shared category model.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// DefaultOwner returns the owner used when none is given.
func (m *Manager) DefaultOwner() string { return m.opts.DefaultOwner }

func (m *Manager) ownerOrDefault(owner string) string {
	if owner == "" {
		return m.opts.DefaultOwner
	}
	return owner
}

// GetOrCreateConfiguration returns the owner's registry, creating it with the
// default extensions on first access.
func (m *Manager) GetOrCreateConfiguration(owner string) (*Configuration, error) {
	owner = m.ownerOrDefault(owner)

	m.mu.RLock()
	cfg, ok := m.tenants[owner]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ok {
		return cfg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if cfg, ok := m.tenants[owner]; ok {
		return cfg, nil
	}
	cfg = newConfiguration(owner, m.catalog, m.logger, m.opts.Metrics)
	cfg.extensions = slices.Clone(m.opts.DefaultExtensions)
	m.tenants[owner] = cfg
	m.opts.Metrics.SetEntities(owner, 0)
	m.logger.Info("Tenant created", zap.String("owner", owner))
	return cfg, nil
}

// Configuration returns the owner's registry without creating it.
func (m *Manager) Configuration(owner string) (*Configuration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.tenants[m.ownerOrDefault(owner)]
	return cfg, ok
}

// Owners returns the owners with a registry, sorted.
func (m *Manager) Owners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]string, 0, len(m.tenants))
	for owner := range m.tenants {
		owners = append(owners, owner)
	}
	slices.Sort(owners)
	return owners
}

// RemoveTenant drops the owner's registry and everything in it.
func (m *Manager) RemoveTenant(owner string) error {
	owner = m.ownerOrDefault(owner)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[owner]; !ok {
		return fmt.Errorf("%w: tenant %s", apperrors.ErrReferenceNotFound, owner)
	}
	delete(m.tenants, owner)
	m.opts.Metrics.DeleteOwner(owner)
	m.logger.Info("Tenant removed", zap.String("owner", owner))
	return nil
}

// Close releases every tenant. Persist tenants before closing; operations
// after Close fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for owner := range m.tenants {
		m.opts.Metrics.DeleteOwner(owner)
	}
	m.logger.Info("Registry manager closed", zap.Int("tenants", len(m.tenants)))
	m.tenants = make(map[string]*Configuration)
}

// ============================================================================
// Owner-scoped operations
// ============================================================================

func withTenant[T any](m *Manager, owner string, fn func(*Configuration) (T, error)) (T, error) {
	cfg, err := m.GetOrCreateConfiguration(owner)
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(cfg)
}

// UseExtension attaches a loaded extension to the owner's registry.
func (m *Manager) UseExtension(owner, extension string) error {
	_, err := withTenant(m, owner, func(c *Configuration) (struct{}, error) {
		return struct{}{}, c.UseExtension(extension)
	})
	return err
}

// AddResource creates a Resource for owner.
func (m *Manager) AddResource(owner string, kind models.CategoryID, mixins []models.CategoryID, attrs map[string]any, location string) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.AddResource(kind, mixins, attrs, location)
	})
}

// AddLink creates a Link for owner.
func (m *Manager) AddLink(owner string, kind models.CategoryID, mixins []models.CategoryID, attrs map[string]any, sourceRef, targetRef, location string) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.AddLink(kind, mixins, attrs, sourceRef, targetRef, location)
	})
}

// FindEntity looks up an entity of owner by location.
func (m *Manager) FindEntity(owner, location string) (*models.Entity, bool) {
	cfg, err := m.GetOrCreateConfiguration(owner)
	if err != nil {
		return nil, false
	}
	return cfg.FindEntity(location)
}

// FindEntityByUUID looks up an entity of owner by identifier.
func (m *Manager) FindEntityByUUID(owner string, id uuid.UUID) (*models.Entity, bool) {
	cfg, err := m.GetOrCreateConfiguration(owner)
	if err != nil {
		return nil, false
	}
	return cfg.FindEntityByUUID(id)
}

// FindAllEntities returns the owner's entities in insertion order.
func (m *Manager) FindAllEntities(owner string) ([]*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) ([]*models.Entity, error) {
		return c.FindAllEntities(), nil
	})
}

// FindAllEntitiesForCategory pages through the owner's entities of a category.
func (m *Manager) FindAllEntitiesForCategory(owner string, category models.CategoryID, filter models.CollectionFilter) (models.Page, error) {
	return withTenant(m, owner, func(c *Configuration) (models.Page, error) {
		return c.FindAllEntitiesForCategory(category, filter), nil
	})
}

// FindEntitiesUnderPath pages through the owner's entities below path.
func (m *Manager) FindEntitiesUnderPath(owner, path string, filter models.CollectionFilter) (models.Page, error) {
	return withTenant(m, owner, func(c *Configuration) (models.Page, error) {
		return c.FindEntitiesUnderPath(path, filter), nil
	})
}

// UpdateAttributes merges attrs into an entity of owner.
func (m *Manager) UpdateAttributes(owner string, id uuid.UUID, attrs map[string]any) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.UpdateAttributes(id, attrs)
	})
}

// AddMixinToEntity associates a mixin with an entity of owner.
func (m *Manager) AddMixinToEntity(owner string, id uuid.UUID, mixin models.CategoryID) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.AddMixinToEntity(id, mixin)
	})
}

// AssociateMixins associates mixins and writes attrs on an entity of owner.
func (m *Manager) AssociateMixins(owner string, id uuid.UUID, mixins []models.CategoryID, attrs map[string]any) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.AssociateMixins(id, mixins, attrs)
	})
}

// DissociateMixin removes a mixin from an entity of owner.
func (m *Manager) DissociateMixin(owner string, id uuid.UUID, mixin models.CategoryID) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.DissociateMixin(id, mixin)
	})
}

// AddUserMixinTag defines a mixin tag for owner.
func (m *Manager) AddUserMixinTag(owner string, def models.MixinTagDef) (*models.Mixin, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Mixin, error) {
		return c.AddUserMixinTag(def)
	})
}

// RemoveUserMixinTag deletes a mixin tag of owner.
func (m *Manager) RemoveUserMixinTag(owner string, id models.CategoryID) error {
	_, err := withTenant(m, owner, func(c *Configuration) (struct{}, error) {
		return struct{}{}, c.RemoveUserMixinTag(id)
	})
	return err
}

// RemoveEntity deletes an entity of owner by UUID or location.
func (m *Manager) RemoveEntity(owner, ref string) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.RemoveEntity(ref)
	})
}

// ApplyFilterOnInterface lists the categories owner uses.
func (m *Manager) ApplyFilterOnInterface(owner, filter string) (models.InterfaceDocument, error) {
	return withTenant(m, owner, func(c *Configuration) (models.InterfaceDocument, error) {
		return c.ApplyFilterOnInterface(filter), nil
	})
}

// InvokeAction invokes an action on one entity of owner.
func (m *Manager) InvokeAction(owner, ref string, action models.CategoryID, params map[string]any) (*models.Entity, error) {
	return withTenant(m, owner, func(c *Configuration) (*models.Entity, error) {
		return c.InvokeAction(ref, action, params)
	})
}

// InvokeActionOnCollection invokes an action on a category collection of owner.
func (m *Manager) InvokeActionOnCollection(owner string, category, action models.CategoryID, params map[string]any, filter models.CollectionFilter) (models.Page, error) {
	return withTenant(m, owner, func(c *Configuration) (models.Page, error) {
		return c.InvokeActionOnCollection(category, action, params, filter)
	})
}
