package registry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// ============================================================================
// Creation
// ============================================================================

// AddResource creates a Resource of the given kind. An empty location means
// the default location under the kind's collection.
func (c *Configuration) AddResource(kind models.CategoryID, mixins []models.CategoryID, attrs map[string]any, location string) (*models.Entity, error) {
	e, err := c.create(kind, mixins, attrs, location, nil)
	c.observe("add_resource", err)
	return e, err
}

// AddLink creates a Link between two existing entities. sourceRef and
// targetRef are UUIDs or locations; when empty, occi.core.source and
// occi.core.target in attrs are used.
func (c *Configuration) AddLink(kind models.CategoryID, mixins []models.CategoryID, attrs map[string]any, sourceRef, targetRef, location string) (*models.Entity, error) {
	if sourceRef == "" {
		sourceRef, _ = attrs[models.AttrSource].(string)
	}
	if targetRef == "" {
		targetRef, _ = attrs[models.AttrTarget].(string)
	}
	e, err := c.create(kind, mixins, attrs, location, &linkRefs{source: sourceRef, target: targetRef})
	c.observe("add_link", err)
	return e, err
}

type linkRefs struct {
	source, target string
}

func (c *Configuration) create(kindID models.CategoryID, mixins []models.CategoryID, attrs map[string]any, location string, link *linkRefs) (*models.Entity, error) {
	var created *models.Entity
	err := c.gate.mutate(func() error {
		// mu stays read-locked until the entity is indexed so a tag it
		// carries cannot be removed in between.
		c.mu.RLock()
		defer c.mu.RUnlock()

		kind, err := c.kindLocked(kindID)
		if err != nil {
			return err
		}
		if isLink := c.catalog.IsLinkKind(kindID); isLink != (link != nil) {
			want := "resource"
			if link != nil {
				want = "link"
			}
			return fmt.Errorf("%w: kind %s is not a %s kind", apperrors.ErrReferenceNotFound, kindID, want)
		}
		expanded, err := c.expandMixinsLocked(kindID, mixins)
		if err != nil {
			return err
		}

		e := &models.Entity{
			Kind:       kindID,
			Mixins:     expanded,
			Attributes: make(map[string]any, len(attrs)),
		}
		if e.ID, err = entityIDFrom(attrs); err != nil {
			return err
		}

		s := c.schemaLocked(kindID, expanded)
		for name, value := range attrs {
			if managedAttribute(name) || value == nil {
				continue
			}
			if err := s.checkWrite(name, value, true); err != nil {
				return err
			}
			e.Attributes[name] = models.CloneValue(value)
		}
		if err := s.complete(e.Attributes); err != nil {
			return err
		}
		e.Title, _ = e.Attributes[models.AttrTitle].(string)

		e.Location = c.defaultLocation(kind, e.ID, location)
		if e.Location == "/" {
			return fmt.Errorf("%w: the root path cannot hold an entity", apperrors.ErrAttributeValidation)
		}

		if link != nil {
			if e.Source, err = c.index.endpoint(link.source); err != nil {
				return err
			}
			if e.Target, err = c.index.endpoint(link.target); err != nil {
				return err
			}
		}

		e.CreatedAt = time.Now().UTC()
		e.UpdatedAt = e.CreatedAt
		if _, err := c.index.insert(e); err != nil {
			return err
		}
		created = e.Clone()
		return nil
	})
	if err != nil {
		c.logger.Debug("Entity rejected",
			zap.String("kind", string(kindID)),
			zap.Error(err))
		return nil, err
	}

	c.metrics.SetEntities(c.owner, c.index.Len())
	c.logger.Info("Entity created",
		zap.String("id", created.ID.String()),
		zap.String("kind", string(kindID)),
		zap.String("location", created.Location))
	return created, nil
}

// entityIDFrom takes the identifier from occi.core.id, or generates one.
func entityIDFrom(attrs map[string]any) (uuid.UUID, error) {
	raw, present := attrs[models.AttrID]
	if !present || raw == nil {
		return uuid.New(), nil
	}
	s, _ := raw.(string)
	id, ok := models.ParseEntityUUID(s)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s is not a UUID: %v", apperrors.ErrAttributeValidation, models.AttrID, raw)
	}
	return id, nil
}

// defaultLocation normalizes a client location, or places the entity under
// its kind's collection named by its UUID.
func (c *Configuration) defaultLocation(kind *models.Kind, id uuid.UUID, location string) string {
	if location != "" {
		return models.NormalizeLocation(location)
	}
	base := kind.Location
	if base == "" {
		base = "/" + kind.Term
	}
	return models.JoinLocation(base, id.String())
}

// ============================================================================
// Lookup
// ============================================================================

// FindEntity returns the entity at location.
func (c *Configuration) FindEntity(location string) (*models.Entity, bool) {
	rec, ok := c.index.getByLocation(models.NormalizeLocation(location))
	if !ok {
		return nil, false
	}
	return c.view(rec), true
}

// FindEntityByUUID returns the entity with the given identifier.
func (c *Configuration) FindEntityByUUID(id uuid.UUID) (*models.Entity, bool) {
	rec, ok := c.index.get(id)
	if !ok {
		return nil, false
	}
	return c.view(rec), true
}

// resolve finds a record by UUID (bare or urn:uuid:) or by location.
func (c *Configuration) resolve(ref string) (*entityRecord, error) {
	var rec *entityRecord
	var ok bool
	if id, isID := models.ParseEntityUUID(ref); isID {
		rec, ok = c.index.get(id)
	} else {
		rec, ok = c.index.getByLocation(models.NormalizeLocation(ref))
	}
	if !ok {
		return nil, fmt.Errorf("%w: entity %q", apperrors.ErrReferenceNotFound, ref)
	}
	return rec, nil
}

// FindAllEntities returns every entity in insertion order.
func (c *Configuration) FindAllEntities() []*models.Entity {
	return c.viewAll(c.index.records())
}

func (c *Configuration) viewAll(recs []*entityRecord) []*models.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Entity, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, c.visibleLocked(rec.e))
		rec.mu.Unlock()
	}
	return out
}

// FindAllEntitiesForCategory pages through the entities whose kind is, or
// descends from, the category, or that carry it as a mixin. A category this
// tenant does not know simply matches nothing.
func (c *Configuration) FindAllEntitiesForCategory(category models.CategoryID, filter models.CollectionFilter) models.Page {
	return filter.Apply(c.entitiesForCategory(category))
}

func (c *Configuration) entitiesForCategory(category models.CategoryID) []*models.Entity {
	c.mu.RLock()
	_, kindErr := c.kindLocked(category)
	_, mixinErr := c.mixinLocked(category)
	c.mu.RUnlock()
	if kindErr != nil && mixinErr != nil {
		c.logger.Debug("Collection category unknown", zap.String("category", string(category)))
		return nil
	}

	all := c.FindAllEntities()
	out := all[:0]
	for _, e := range all {
		if (kindErr == nil && c.catalog.KindIsSubKindOf(e.Kind, category)) ||
			(mixinErr == nil && e.HasMixin(category)) {
			out = append(out, e)
		}
	}
	return out
}

// FindEntitiesUnderPath pages through the entities located at or below path.
func (c *Configuration) FindEntitiesUnderPath(path string, filter models.CollectionFilter) models.Page {
	prefix := models.NormalizeLocation(path)
	all := c.FindAllEntities()
	out := all[:0]
	for _, e := range all {
		if models.LocationUnder(e.Location, prefix) {
			out = append(out, e)
		}
	}
	return filter.Apply(out)
}

// ============================================================================
// Update
// ============================================================================

// UpdateAttributes merges attrs into the entity. Unspecified keys are left
// alone and a nil value removes a key. Every key is validated before any is
// applied, so a rejected update changes nothing. On Links, occi.core.source
// and occi.core.target re-point the endpoints.
func (c *Configuration) UpdateAttributes(id uuid.UUID, attrs map[string]any) (*models.Entity, error) {
	var updated *models.Entity
	err := c.gate.mutate(func() error {
		c.mu.RLock()
		defer c.mu.RUnlock()

		rec, ok := c.index.get(id)
		if !ok {
			return fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, id)
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		e := rec.e

		var source, target *models.LinkEndpoint
		s := c.schemaLocked(e.Kind, e.Mixins)
		for name, value := range attrs {
			switch name {
			case models.AttrID:
				if raw, _ := value.(string); raw != "" {
					if parsed, ok := models.ParseEntityUUID(raw); ok && parsed == e.ID {
						continue
					}
				}
				return fmt.Errorf("%w: attribute %s is immutable", apperrors.ErrAttributeValidation, name)
			case models.AttrSource, models.AttrTarget:
				if !e.IsLink() {
					return fmt.Errorf("%w: attribute %s is only defined on links", apperrors.ErrAttributeValidation, name)
				}
				ref, _ := value.(string)
				end, err := c.index.endpoint(ref)
				if err != nil {
					return err
				}
				if name == models.AttrSource {
					source = end
				} else {
					target = end
				}
				continue
			}
			if err := s.checkWrite(name, value, false); err != nil {
				return err
			}
		}

		if source != nil || target != nil {
			if err := c.index.repoint(rec, source, target); err != nil {
				return err
			}
		}
		for name, value := range attrs {
			if managedAttribute(name) {
				continue
			}
			if value == nil {
				delete(e.Attributes, name)
				continue
			}
			e.Attributes[name] = models.CloneValue(value)
		}
		if _, ok := attrs[models.AttrTitle]; ok {
			e.Title, _ = e.Attributes[models.AttrTitle].(string)
		}
		e.UpdatedAt = time.Now().UTC()
		updated = c.visibleLocked(e)
		return nil
	})
	c.observe("update_attributes", err)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Entity updated", zap.String("id", id.String()), zap.Int("attributes", len(attrs)))
	return updated, nil
}

// AddMixinToEntity associates one mixin, and its dependencies, with an entity.
func (c *Configuration) AddMixinToEntity(id uuid.UUID, mixin models.CategoryID) (*models.Entity, error) {
	return c.AssociateMixins(id, []models.CategoryID{mixin}, nil)
}

// AssociateMixins associates mixins with an entity and writes attrs in the
// same step, so attributes declared only by the new mixins can be supplied.
// Defaults of newly declared attributes are applied.
func (c *Configuration) AssociateMixins(id uuid.UUID, mixins []models.CategoryID, attrs map[string]any) (*models.Entity, error) {
	var updated *models.Entity
	err := c.gate.mutate(func() error {
		c.mu.RLock()
		defer c.mu.RUnlock()

		rec, ok := c.index.get(id)
		if !ok {
			return fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, id)
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		e := rec.e

		expanded, err := c.expandMixinsLocked(e.Kind, append(slices.Clone(e.Mixins), mixins...))
		if err != nil {
			return err
		}
		if len(expanded) == len(e.Mixins) && len(attrs) == 0 {
			updated = c.visibleLocked(e)
			return errNoChange
		}

		before := c.schemaLocked(e.Kind, e.Mixins)
		after := c.schemaLocked(e.Kind, expanded)
		merged := models.CloneAttributes(e.Attributes)
		for name, value := range attrs {
			if managedAttribute(name) {
				return fmt.Errorf("%w: attribute %s cannot be set through mixin association", apperrors.ErrAttributeValidation, name)
			}
			_, declaredBefore := before[name]
			if err := after.checkWrite(name, value, !declaredBefore); err != nil {
				return err
			}
			if value == nil {
				delete(merged, name)
				continue
			}
			merged[name] = models.CloneValue(value)
		}
		if err := after.complete(merged); err != nil {
			return err
		}

		e.Mixins = expanded
		e.Attributes = merged
		e.Title, _ = merged[models.AttrTitle].(string)
		e.UpdatedAt = time.Now().UTC()
		updated = c.visibleLocked(e)
		return nil
	})
	if errors.Is(err, errNoChange) {
		err = nil
	}
	c.observe("associate_mixin", err)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Mixins associated", zap.String("id", id.String()), zap.Int("mixins", len(updated.Mixins)))
	return updated, nil
}

// DissociateMixin removes a mixin from an entity. Attributes only that mixin
// declared stay stored but are hidden from reads until it is associated again.
func (c *Configuration) DissociateMixin(id uuid.UUID, mixin models.CategoryID) (*models.Entity, error) {
	var updated *models.Entity
	err := c.gate.mutate(func() error {
		c.mu.RLock()
		defer c.mu.RUnlock()

		rec, ok := c.index.get(id)
		if !ok {
			return fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, id)
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		e := rec.e

		if !e.HasMixin(mixin) {
			return fmt.Errorf("%w: mixin %s is not associated with entity %s", apperrors.ErrReferenceNotFound, mixin, id)
		}
		for _, other := range e.Mixins {
			if other != mixin && slices.Contains(c.catalog.MixinDependencies(other), mixin) {
				return fmt.Errorf("%w: mixin %s is required by associated mixin %s", apperrors.ErrEntityConflict, mixin, other)
			}
		}

		e.Mixins = slices.DeleteFunc(slices.Clone(e.Mixins), func(m models.CategoryID) bool { return m == mixin })
		e.UpdatedAt = time.Now().UTC()
		updated = c.visibleLocked(e)
		return nil
	})
	c.observe("dissociate_mixin", err)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Mixin dissociated", zap.String("id", id.String()), zap.String("mixin", string(mixin)))
	return updated, nil
}

// ============================================================================
// Removal
// ============================================================================

// RemoveEntity deletes the entity addressed by UUID or location. An entity
// that is still the source or target of a Link cannot be removed.
func (c *Configuration) RemoveEntity(ref string) (*models.Entity, error) {
	var removed *entityRecord
	err := c.gate.mutate(func() error {
		rec, err := c.resolve(ref)
		if err != nil {
			return err
		}
		removed, err = c.index.remove(rec.e.ID)
		return err
	})
	c.observe("remove_entity", err)
	if err != nil {
		return nil, err
	}

	removed.mu.Lock()
	out := removed.e.Clone()
	removed.mu.Unlock()

	c.metrics.SetEntities(c.owner, c.index.Len())
	c.logger.Info("Entity removed",
		zap.String("id", out.ID.String()),
		zap.String("location", out.Location))
	return out, nil
}
