package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/catalog"
	"github.com/ekaya-inc/occi-engine/pkg/metrics"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// Configuration is the registry of one owner: the extensions it uses, its
// mixin tags and its entities.
//
// Lock order: gate, then mu, then an entity record, then the index.
type Configuration struct {
	owner   string
	catalog *catalog.Catalog
	gate    versionGate

	mu         sync.RWMutex
	extensions []string
	tags       map[models.CategoryID]*models.Mixin
	tagOrder   []models.CategoryID

	index   *EntityIndex
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newConfiguration(owner string, cat *catalog.Catalog, logger *zap.Logger, m *metrics.Metrics) *Configuration {
	return &Configuration{
		owner:   owner,
		catalog: cat,
		tags:    make(map[models.CategoryID]*models.Mixin),
		index:   newEntityIndex(),
		logger:  logger.With(zap.String("owner", owner)),
		metrics: m,
	}
}

// Owner returns the owner this configuration belongs to.
func (c *Configuration) Owner() string { return c.owner }

// Version returns the tenant's monotonic mutation counter.
func (c *Configuration) Version() uint64 { return c.gate.current() }

// Extensions returns the names of the extensions in use.
func (c *Configuration) Extensions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.extensions)
}

// UseExtension attaches a loaded extension. Attaching twice is a no-op.
func (c *Configuration) UseExtension(name string) error {
	if _, ok := c.catalog.Extension(name); !ok {
		return fmt.Errorf("%w: extension %s is not loaded", apperrors.ErrReferenceNotFound, name)
	}
	err := c.gate.mutate(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if slices.Contains(c.extensions, name) {
			return errNoChange
		}
		c.extensions = append(c.extensions, name)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err == nil {
		c.logger.Info("Extension attached", zap.String("extension", name))
	}
	return err
}

// errNoChange aborts a mutation that turned out to be a no-op, so the version
// is not advanced.
var errNoChange = errors.New("no change")

// usesLocked reports whether id belongs to an extension in use. Caller holds mu.
func (c *Configuration) usesLocked(id models.CategoryID) bool {
	for _, name := range c.extensions {
		if ext, ok := c.catalog.Extension(name); ok && ext.Provides(id) {
			return true
		}
	}
	return false
}

func (c *Configuration) kindLocked(id models.CategoryID) (*models.Kind, error) {
	if k, ok := c.catalog.ResolveKind(id); ok && c.usesLocked(id) {
		return k, nil
	}
	return nil, fmt.Errorf("%w: kind %s", apperrors.ErrReferenceNotFound, id)
}

func (c *Configuration) mixinLocked(id models.CategoryID) (*models.Mixin, error) {
	if tag, ok := c.tags[id]; ok {
		return tag, nil
	}
	if m, ok := c.catalog.ResolveMixin(id); ok && c.usesLocked(id) {
		return m, nil
	}
	return nil, fmt.Errorf("%w: mixin %s", apperrors.ErrReferenceNotFound, id)
}

func (c *Configuration) actionLocked(id models.CategoryID) (*models.Action, error) {
	if a, ok := c.catalog.ResolveAction(id); ok && c.usesLocked(id) {
		return a, nil
	}
	return nil, fmt.Errorf("%w: action %s", apperrors.ErrReferenceNotFound, id)
}

// ResolveKind looks up a Kind available to this tenant.
func (c *Configuration) ResolveKind(id models.CategoryID) (*models.Kind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kindLocked(id)
}

// ResolveMixin looks up an extension Mixin in use or a mixin tag of this tenant.
func (c *Configuration) ResolveMixin(id models.CategoryID) (*models.Mixin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mixinLocked(id)
}

// ResolveAction looks up an Action available to this tenant.
func (c *Configuration) ResolveAction(id models.CategoryID) (*models.Action, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.actionLocked(id)
}

// CategoryForPath maps a collection path to the Kind or Mixin addressed by it,
// either through the category's location or through its bare term.
func (c *Configuration) CategoryForPath(path string) (models.CategoryID, bool) {
	loc := models.NormalizeLocation(path)
	if loc == "/" {
		return "", false
	}
	term := strings.TrimPrefix(loc, "/")

	c.mu.RLock()
	defer c.mu.RUnlock()

	match := func(id models.CategoryID, location string) bool {
		if location != "" && models.NormalizeLocation(location) == loc {
			return true
		}
		return id.Term() == term
	}
	for _, name := range c.extensions {
		ext, ok := c.catalog.Extension(name)
		if !ok {
			continue
		}
		for _, id := range ext.Kinds {
			if k, ok := c.catalog.ResolveKind(id); ok && match(id, k.Location) {
				return id, true
			}
		}
		for _, id := range ext.Mixins {
			if m, ok := c.catalog.ResolveMixin(id); ok && match(id, m.Location) {
				return id, true
			}
		}
	}
	for _, id := range c.tagOrder {
		if match(id, c.tags[id].Location) {
			return id, true
		}
	}
	return "", false
}

// schema is the effective attribute set of a Kind plus a set of Mixins.
type schema map[string]models.Attribute

// schemaLocked builds the schema of kind and mixins. Unknown mixins are
// skipped; callers validate mixins before relying on the schema.
func (c *Configuration) schemaLocked(kind models.CategoryID, mixins []models.CategoryID) schema {
	s := make(schema)
	for _, a := range c.catalog.KindAttributes(kind) {
		s[a.Name] = a
	}
	for _, id := range mixins {
		m, err := c.mixinLocked(id)
		if err != nil {
			continue
		}
		for _, a := range m.Attributes {
			if _, declared := s[a.Name]; !declared {
				s[a.Name] = a
			}
		}
	}
	return s
}

// managedAttribute reports keys held in dedicated entity fields rather than
// in the attribute map.
func managedAttribute(name string) bool {
	switch name {
	case models.AttrID, models.AttrSource, models.AttrTarget:
		return true
	}
	return false
}

// expandMixinsLocked validates the requested mixins against kind and adds
// their dependencies, dependencies first, without duplicates.
func (c *Configuration) expandMixinsLocked(kind models.CategoryID, requested []models.CategoryID) ([]models.CategoryID, error) {
	var out []models.CategoryID
	add := func(id models.CategoryID) error {
		if slices.Contains(out, id) {
			return nil
		}
		m, err := c.mixinLocked(id)
		if err != nil {
			return err
		}
		if len(m.Applies) > 0 && !slices.ContainsFunc(m.Applies, func(k models.CategoryID) bool {
			return c.catalog.KindIsSubKindOf(kind, k)
		}) {
			return fmt.Errorf("%w: mixin %s does not apply to kind %s", apperrors.ErrAttributeValidation, id, kind)
		}
		out = append(out, id)
		return nil
	}
	for _, id := range requested {
		if !c.isTagLocked(id) {
			for _, dep := range c.catalog.MixinDependencies(id) {
				if err := add(dep); err != nil {
					return nil, err
				}
			}
		}
		if err := add(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Configuration) isTagLocked(id models.CategoryID) bool {
	_, ok := c.tags[id]
	return ok
}

// checkWrite validates one attribute write against s.
func (s schema) checkWrite(name string, value any, creating bool) error {
	def, ok := s[name]
	if !ok {
		return fmt.Errorf("%w: attribute %s is not declared by the kind or its mixins", apperrors.ErrAttributeValidation, name)
	}
	if !creating && !def.Mutable() {
		return fmt.Errorf("%w: attribute %s is immutable", apperrors.ErrAttributeValidation, name)
	}
	if value == nil && def.Required {
		return fmt.Errorf("%w: required attribute %s cannot be removed", apperrors.ErrAttributeValidation, name)
	}
	if err := def.Check(value); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrAttributeValidation, err)
	}
	return nil
}

// complete applies defaults and verifies required attributes are present.
func (s schema) complete(attrs map[string]any) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		def := s[name]
		if managedAttribute(name) {
			continue
		}
		if _, present := attrs[name]; present {
			continue
		}
		if def.Default != nil {
			attrs[name] = def.Default
			continue
		}
		if def.Required {
			return fmt.Errorf("%w: required attribute %s is missing", apperrors.ErrAttributeValidation, name)
		}
	}
	return nil
}

// visibleLocked copies e, dropping attributes no longer declared by its kind
// or mixins. Caller holds mu and the record lock.
func (c *Configuration) visibleLocked(e *models.Entity) *models.Entity {
	out := e.Clone()
	s := c.schemaLocked(e.Kind, e.Mixins)
	for name := range out.Attributes {
		if _, ok := s[name]; !ok {
			delete(out.Attributes, name)
		}
	}
	return out
}

// view returns the visible copy of a record's entity.
func (c *Configuration) view(rec *entityRecord) *models.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return c.visibleLocked(rec.e)
}

func (c *Configuration) observe(operation string, err error) {
	c.metrics.ObserveOperation(operation, err)
}
