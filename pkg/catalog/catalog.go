// Package catalog holds the category model shared by all tenants: the Kinds,
// Mixins and Actions of every loaded extension, addressable by scheme#term.
//
// Loaded categories are immutable. Extension loading is serialized behind the
// catalog's write lock; lookups take the read lock only.
package catalog

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// Extension is a loaded bundle of categories.
type Extension struct {
	Name    string
	Title   string
	Kinds   []models.CategoryID
	Mixins  []models.CategoryID
	Actions []models.CategoryID

	def models.ExtensionDef
}

// Provides reports whether id is one of the extension's categories.
func (e *Extension) Provides(id models.CategoryID) bool {
	return slices.Contains(e.Kinds, id) || slices.Contains(e.Mixins, id) || slices.Contains(e.Actions, id)
}

// Catalog is the process-wide category namespace.
type Catalog struct {
	mu         sync.RWMutex
	extensions map[string]*Extension
	order      []string
	kinds      map[models.CategoryID]*models.Kind
	mixins     map[models.CategoryID]*models.Mixin
	actions    map[models.CategoryID]*models.Action
	logger     *zap.Logger
}

// New creates an empty catalog.
func New(logger *zap.Logger) *Catalog {
	return &Catalog{
		extensions: make(map[string]*Extension),
		kinds:      make(map[models.CategoryID]*models.Kind),
		mixins:     make(map[models.CategoryID]*models.Mixin),
		actions:    make(map[models.CategoryID]*models.Action),
		logger:     logger.Named("catalog"),
	}
}

// LoadFrom loads every extension the source offers, in source order.
func (c *Catalog) LoadFrom(src Source) error {
	defs, err := src.ListAvailableExtensions()
	if err != nil {
		return fmt.Errorf("list extensions: %w", err)
	}
	for _, def := range defs {
		if _, err := c.LoadExtension(def); err != nil {
			return fmt.Errorf("load extension %s: %w", def.Name, err)
		}
	}
	return nil
}

// LoadExtension validates def and registers its categories. Reloading an
// identical definition is a no-op. On error nothing is registered.
func (c *Catalog) LoadExtension(def models.ExtensionDef) (*Extension, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: extension has no name", apperrors.ErrModelLoad)
	}
	def = normalizeDef(def)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.extensions[def.Name]; ok {
		if reflect.DeepEqual(existing.def, def) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: extension %s already loaded with a different definition",
			apperrors.ErrCategoryConflict, def.Name)
	}

	staged, err := c.stage(def)
	if err != nil {
		c.logger.Warn("Rejected extension",
			zap.String("extension", def.Name),
			zap.Error(err))
		return nil, err
	}

	ext := &Extension{Name: def.Name, Title: def.Title, def: def}
	for _, k := range staged.kinds {
		id := k.ID()
		if _, shared := c.kinds[id]; !shared {
			c.kinds[id] = k
		}
		ext.Kinds = append(ext.Kinds, id)
	}
	for _, m := range staged.mixins {
		id := m.ID()
		if _, shared := c.mixins[id]; !shared {
			c.mixins[id] = m
		}
		ext.Mixins = append(ext.Mixins, id)
	}
	for _, a := range staged.actions {
		id := a.ID()
		if _, shared := c.actions[id]; !shared {
			c.actions[id] = a
		}
		ext.Actions = append(ext.Actions, id)
	}
	c.extensions[def.Name] = ext
	c.order = append(c.order, def.Name)

	c.logger.Info("Loaded extension",
		zap.String("extension", def.Name),
		zap.Int("kinds", len(ext.Kinds)),
		zap.Int("mixins", len(ext.Mixins)),
		zap.Int("actions", len(ext.Actions)))

	return ext, nil
}

// Extension returns a loaded extension by name.
func (c *Catalog) Extension(name string) (*Extension, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ext, ok := c.extensions[name]
	return ext, ok
}

// Extensions returns all loaded extensions in load order.
func (c *Catalog) Extensions() []*Extension {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Extension, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.extensions[name])
	}
	return out
}

// ResolveKind looks up a Kind.
func (c *Catalog) ResolveKind(id models.CategoryID) (*models.Kind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.kinds[id]
	return k, ok
}

// ResolveMixin looks up an extension Mixin.
func (c *Catalog) ResolveMixin(id models.CategoryID) (*models.Mixin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mixins[id]
	return m, ok
}

// ResolveAction looks up an Action.
func (c *Catalog) ResolveAction(id models.CategoryID) (*models.Action, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actions[id]
	return a, ok
}

// Defines reports whether id names any loaded category.
func (c *Catalog) Defines(id models.CategoryID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.definesLocked(id)
}

func (c *Catalog) definesLocked(id models.CategoryID) bool {
	_, k := c.kinds[id]
	_, m := c.mixins[id]
	_, a := c.actions[id]
	return k || m || a
}

// KindIsSubKindOf reports whether a equals b or descends from it.
func (c *Catalog) KindIsSubKindOf(a, b models.CategoryID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range c.ancestryLocked(a) {
		if k.ID() == b {
			return true
		}
	}
	return false
}

// IsLinkKind reports whether entities of kind id are Links.
func (c *Catalog) IsLinkKind(id models.CategoryID) bool {
	return c.KindIsSubKindOf(id, models.LinkKindID)
}

// Ancestry returns the kind followed by its ancestors, nearest first.
func (c *Catalog) Ancestry(id models.CategoryID) []*models.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ancestryLocked(id)
}

func (c *Catalog) ancestryLocked(id models.CategoryID) []*models.Kind {
	var chain []*models.Kind
	for cur := id; cur != ""; {
		k, ok := c.kinds[cur]
		if !ok || len(chain) > len(c.kinds) {
			break
		}
		chain = append(chain, k)
		cur = k.Parent
	}
	return chain
}

// KindAttributes returns the effective attribute set of a Kind. Definitions
// are accumulated root first; a descendant never overrides an ancestor.
func (c *Catalog) KindAttributes(id models.CategoryID) []models.Attribute {
	chain := c.Ancestry(id)
	var out []models.Attribute
	seen := make(map[string]bool)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, a := range chain[i].Attributes {
			if !seen[a.Name] {
				seen[a.Name] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// KindActions returns the actions exposed by a Kind and its ancestors.
func (c *Catalog) KindActions(id models.CategoryID) []models.CategoryID {
	var out []models.CategoryID
	for _, k := range c.Ancestry(id) {
		for _, a := range k.Actions {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

// MixinDependencies returns the transitive dependencies of a mixin,
// deepest first, excluding the mixin itself.
func (c *Catalog) MixinDependencies(id models.CategoryID) []models.CategoryID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.CategoryID
	visited := map[models.CategoryID]bool{id: true}
	var walk func(models.CategoryID)
	walk = func(cur models.CategoryID) {
		m, ok := c.mixins[cur]
		if !ok {
			return
		}
		for _, dep := range m.Depends {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			walk(dep)
			out = append(out, dep)
		}
	}
	walk(id)
	return out
}

type stagedDef struct {
	kinds   []*models.Kind
	mixins  []*models.Mixin
	actions []*models.Action
}

// stage validates def against itself and the loaded namespace.
// Caller holds the write lock.
func (c *Catalog) stage(def models.ExtensionDef) (*stagedDef, error) {
	s := &stagedDef{}
	local := make(map[models.CategoryID]models.CategoryClass)

	claim := func(cat *models.Category, class models.CategoryClass) error {
		if cat.Term == "" || cat.Scheme == "" {
			return fmt.Errorf("%w: %s in extension %s has an empty scheme or term",
				apperrors.ErrModelLoad, class, def.Name)
		}
		id := cat.ID()
		if _, dup := local[id]; dup {
			return fmt.Errorf("%w: %s defined twice in extension %s", apperrors.ErrCategoryConflict, id, def.Name)
		}
		local[id] = class
		return nil
	}

	for i := range def.Actions {
		a := def.Actions[i]
		if err := claim(&a.Category, models.ClassAction); err != nil {
			return nil, err
		}
		if prev, ok := c.actions[a.ID()]; ok && !reflect.DeepEqual(*prev, a) {
			return nil, conflictErr(a.ID(), def.Name)
		}
		s.actions = append(s.actions, &a)
	}
	for i := range def.Kinds {
		k := def.Kinds[i]
		if err := claim(&k.Category, models.ClassKind); err != nil {
			return nil, err
		}
		if prev, ok := c.kinds[k.ID()]; ok && !reflect.DeepEqual(*prev, k) {
			return nil, conflictErr(k.ID(), def.Name)
		}
		s.kinds = append(s.kinds, &k)
	}
	for i := range def.Mixins {
		m := def.Mixins[i]
		m.Flavor = models.MixinFromExtension
		if err := claim(&m.Category, models.ClassMixin); err != nil {
			return nil, err
		}
		if prev, ok := c.mixins[m.ID()]; ok && !reflect.DeepEqual(*prev, m) {
			return nil, conflictErr(m.ID(), def.Name)
		}
		s.mixins = append(s.mixins, &m)
	}

	// The same identifier may not name categories of different classes.
	for id, class := range local {
		if class != models.ClassKind && c.kinds[id] != nil ||
			class != models.ClassMixin && c.mixins[id] != nil ||
			class != models.ClassAction && c.actions[id] != nil {
			return nil, conflictErr(id, def.Name)
		}
	}

	kindOf := func(id models.CategoryID) (*models.Kind, bool) {
		for _, k := range s.kinds {
			if k.ID() == id {
				return k, true
			}
		}
		k, ok := c.kinds[id]
		return k, ok
	}
	mixinOf := func(id models.CategoryID) (*models.Mixin, bool) {
		for _, m := range s.mixins {
			if m.ID() == id {
				return m, true
			}
		}
		m, ok := c.mixins[id]
		return m, ok
	}
	actionKnown := func(id models.CategoryID) bool {
		if local[id] == models.ClassAction {
			return true
		}
		_, ok := c.actions[id]
		return ok
	}
	checkActions := func(owner models.CategoryID, actions []models.CategoryID) error {
		for _, a := range actions {
			if !actionKnown(a) {
				return fmt.Errorf("%w: %s exposes unknown action %s", apperrors.ErrModelLoad, owner, a)
			}
		}
		return nil
	}

	for _, k := range s.kinds {
		if err := checkActions(k.ID(), k.Actions); err != nil {
			return nil, err
		}
		seen := map[models.CategoryID]bool{k.ID(): true}
		for cur := k; cur.Parent != ""; {
			parent, ok := kindOf(cur.Parent)
			if !ok {
				return nil, fmt.Errorf("%w: kind %s has unknown parent %s", apperrors.ErrModelLoad, cur.ID(), cur.Parent)
			}
			if seen[parent.ID()] {
				return nil, fmt.Errorf("%w: kind %s has a cyclic parent chain", apperrors.ErrModelLoad, k.ID())
			}
			seen[parent.ID()] = true
			cur = parent
		}
	}

	for _, m := range s.mixins {
		if err := checkActions(m.ID(), m.Actions); err != nil {
			return nil, err
		}
		for _, applies := range m.Applies {
			if _, ok := kindOf(applies); !ok {
				return nil, fmt.Errorf("%w: mixin %s applies to unknown kind %s", apperrors.ErrModelLoad, m.ID(), applies)
			}
		}
		if err := checkMixinDepends(m, mixinOf); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func checkMixinDepends(m *models.Mixin, mixinOf func(models.CategoryID) (*models.Mixin, bool)) error {
	state := make(map[models.CategoryID]int) // 1 visiting, 2 done
	var visit func(*models.Mixin) error
	visit = func(cur *models.Mixin) error {
		state[cur.ID()] = 1
		for _, dep := range cur.Depends {
			next, ok := mixinOf(dep)
			if !ok {
				return fmt.Errorf("%w: mixin %s depends on unknown mixin %s", apperrors.ErrModelLoad, cur.ID(), dep)
			}
			switch state[dep] {
			case 1:
				return fmt.Errorf("%w: mixin %s has a cyclic dependency", apperrors.ErrModelLoad, m.ID())
			case 0:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		state[cur.ID()] = 2
		return nil
	}
	return visit(m)
}

func conflictErr(id models.CategoryID, ext string) error {
	return fmt.Errorf("%w: %s in extension %s collides with a loaded category",
		apperrors.ErrCategoryConflict, id, ext)
}

// normalizeDef fills in default schemes so identities are complete.
func normalizeDef(def models.ExtensionDef) models.ExtensionDef {
	fill := func(cat *models.Category) {
		if cat.Scheme == "" {
			cat.Scheme = def.Scheme
		}
		if cat.Scheme != "" && cat.Scheme[len(cat.Scheme)-1] != '#' {
			cat.Scheme += "#"
		}
	}
	def.Kinds = slices.Clone(def.Kinds)
	def.Mixins = slices.Clone(def.Mixins)
	def.Actions = slices.Clone(def.Actions)
	for i := range def.Kinds {
		fill(&def.Kinds[i].Category)
	}
	for i := range def.Mixins {
		fill(&def.Mixins[i].Category)
		def.Mixins[i].Flavor = models.MixinFromExtension
	}
	for i := range def.Actions {
		fill(&def.Actions[i].Category)
	}
	return def
}
