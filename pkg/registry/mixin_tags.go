package registry

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// AddUserMixinTag registers a tenant-local mixin tag. The identifier must not
// collide with any loaded category or existing tag, and its location must not
// be taken by another collection.
func (c *Configuration) AddUserMixinTag(def models.MixinTagDef) (*models.Mixin, error) {
	tag, err := c.addTag(def)
	c.observe("add_mixin_tag", err)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Mixin tag added",
		zap.String("mixin", string(tag.ID())),
		zap.String("location", tag.Location))
	return tag, nil
}

func (c *Configuration) addTag(def models.MixinTagDef) (*models.Mixin, error) {
	id, err := models.ParseCategoryID(string(def.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAttributeValidation, err)
	}
	location := def.Location
	if strings.TrimSpace(location) == "" {
		location = "/" + id.Term()
	}
	location = models.NormalizeLocation(location)
	if location == "/" {
		return nil, fmt.Errorf("%w: mixin tag %s cannot be located at the root", apperrors.ErrAttributeValidation, id)
	}

	tag := &models.Mixin{
		Category: models.Category{Scheme: id.Scheme(), Term: id.Term(), Title: def.Title},
		Location: location,
		Flavor:   models.MixinUserTag,
	}
	err = c.gate.mutate(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.catalog.Defines(id) {
			return fmt.Errorf("%w: %s is defined by a loaded extension", apperrors.ErrCategoryConflict, id)
		}
		if _, exists := c.tags[id]; exists {
			return fmt.Errorf("%w: mixin tag %s already exists", apperrors.ErrCategoryConflict, id)
		}
		if owner, taken := c.locationOwnerLocked(location); taken {
			return fmt.Errorf("%w: location %s is already used by %s", apperrors.ErrCategoryConflict, location, owner)
		}
		c.tags[id] = tag
		c.tagOrder = append(c.tagOrder, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := *tag
	return &out, nil
}

// locationOwnerLocked returns the category whose collection location is loc.
func (c *Configuration) locationOwnerLocked(loc string) (models.CategoryID, bool) {
	for _, id := range c.tagOrder {
		if c.tags[id].Location == loc {
			return id, true
		}
	}
	for _, name := range c.extensions {
		ext, ok := c.catalog.Extension(name)
		if !ok {
			continue
		}
		for _, id := range ext.Kinds {
			if k, ok := c.catalog.ResolveKind(id); ok && k.Location != "" && models.NormalizeLocation(k.Location) == loc {
				return id, true
			}
		}
		for _, id := range ext.Mixins {
			if m, ok := c.catalog.ResolveMixin(id); ok && m.Location != "" && models.NormalizeLocation(m.Location) == loc {
				return id, true
			}
		}
	}
	return "", false
}

// RemoveUserMixinTag deletes a mixin tag. It fails while any entity still
// carries the tag; tags are never dissociated implicitly.
func (c *Configuration) RemoveUserMixinTag(id models.CategoryID) error {
	err := c.gate.mutate(func() error {
		// The write lock keeps creators and associators out while entities
		// are scanned.
		c.mu.Lock()
		defer c.mu.Unlock()

		if _, ok := c.tags[id]; !ok {
			if c.catalog.Defines(id) {
				return fmt.Errorf("%w: %s is an extension category, not a mixin tag", apperrors.ErrCategoryConflict, id)
			}
			return fmt.Errorf("%w: mixin tag %s", apperrors.ErrReferenceNotFound, id)
		}
		for _, rec := range c.index.records() {
			rec.mu.Lock()
			carried := rec.e.HasMixin(id)
			entityID := rec.e.ID
			rec.mu.Unlock()
			if carried {
				return fmt.Errorf("%w: mixin tag %s is still associated with entity %s", apperrors.ErrEntityConflict, id, entityID)
			}
		}
		delete(c.tags, id)
		c.tagOrder = slices.DeleteFunc(c.tagOrder, func(t models.CategoryID) bool { return t == id })
		return nil
	})
	c.observe("remove_mixin_tag", err)
	if err != nil {
		return err
	}
	c.logger.Info("Mixin tag removed", zap.String("mixin", string(id)))
	return nil
}

// MixinTags returns the tenant's tags in creation order.
func (c *Configuration) MixinTags() []*models.Mixin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Mixin, 0, len(c.tagOrder))
	for _, id := range c.tagOrder {
		tag := *c.tags[id]
		out = append(out, &tag)
	}
	return out
}
