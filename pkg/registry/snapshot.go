package registry

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// Snapshot captures the tenant with no mutation in flight. Mutators block
// until it returns. Stored attributes are captured as is, hidden ones included.
func (c *Configuration) Snapshot() *models.TenantSnapshot {
	var snap *models.TenantSnapshot
	c.gate.quiesce(func() {
		c.mu.RLock()
		defer c.mu.RUnlock()

		snap = &models.TenantSnapshot{
			Owner:      c.owner,
			Version:    c.gate.current(),
			TakenAt:    time.Now().UTC(),
			Extensions: slices.Clone(c.extensions),
		}
		for _, id := range c.tagOrder {
			tag := c.tags[id]
			snap.MixinTags = append(snap.MixinTags, models.MixinTagDef{ID: id, Title: tag.Title, Location: tag.Location})
		}
		for _, rec := range c.index.records() {
			rec.mu.Lock()
			e := rec.e.Clone()
			rec.mu.Unlock()
			snap.Entities = append(snap.Entities, models.EntitySnapshot{
				ID:         e.ID,
				Kind:       e.Kind,
				Mixins:     e.Mixins,
				Title:      e.Title,
				Location:   e.Location,
				Attributes: e.Attributes,
				Source:     e.Source,
				Target:     e.Target,
				CreatedAt:  e.CreatedAt,
				UpdatedAt:  e.UpdatedAt,
			})
		}
	})
	return snap
}

// Restore replaces the tenant's state with snap. The snapshot is rebuilt on
// the side and swapped in only when every part of it is valid; on error the
// tenant is unchanged. The version never moves backwards.
func (c *Configuration) Restore(snap *models.TenantSnapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", apperrors.ErrModelLoad)
	}
	if snap.Owner != "" && snap.Owner != c.owner {
		return fmt.Errorf("%w: snapshot of %s cannot be restored into %s", apperrors.ErrModelLoad, snap.Owner, c.owner)
	}

	var err error
	c.gate.quiesce(func() {
		var staged *Configuration
		if staged, err = c.stage(snap); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.extensions = staged.extensions
		c.tags = staged.tags
		c.tagOrder = staged.tagOrder
		c.index.replace(staged.index)
		c.gate.advanceTo(snap.Version)
	})
	c.observe("restore", err)
	if err != nil {
		c.logger.Error("Snapshot rejected", zap.Uint64("version", snap.Version), zap.Error(err))
		return err
	}

	c.metrics.SetEntities(c.owner, c.index.Len())
	c.logger.Info("Snapshot restored",
		zap.Uint64("snapshot_version", snap.Version),
		zap.Uint64("version", c.Version()),
		zap.Int("entities", len(snap.Entities)))
	return nil
}

// stage rebuilds snap into a private configuration. Resources go in before
// links so every endpoint exists when its link is indexed.
func (c *Configuration) stage(snap *models.TenantSnapshot) (*Configuration, error) {
	staged := newConfiguration(c.owner, c.catalog, c.logger, nil)
	for _, name := range snap.Extensions {
		if _, ok := c.catalog.Extension(name); !ok {
			return nil, fmt.Errorf("%w: snapshot uses extension %s which is not loaded", apperrors.ErrModelLoad, name)
		}
		if !slices.Contains(staged.extensions, name) {
			staged.extensions = append(staged.extensions, name)
		}
	}
	for _, def := range snap.MixinTags {
		if _, err := staged.addTag(def); err != nil {
			return nil, fmt.Errorf("%w: mixin tag %s: %v", apperrors.ErrModelLoad, def.ID, err)
		}
	}

	resources := make([]models.EntitySnapshot, 0, len(snap.Entities))
	var links []models.EntitySnapshot
	for _, es := range snap.Entities {
		if (es.Source == nil) != (es.Target == nil) {
			return nil, fmt.Errorf("%w: entity %s has only one link endpoint", apperrors.ErrModelLoad, es.ID)
		}
		if es.Source != nil {
			links = append(links, es)
		} else {
			resources = append(resources, es)
		}
	}
	for _, es := range append(resources, links...) {
		if err := staged.restoreEntity(es); err != nil {
			return nil, fmt.Errorf("%w: entity %s: %v", apperrors.ErrModelLoad, es.ID, err)
		}
	}
	return staged, nil
}

// restoreEntity indexes a persisted entity after checking that its kind and
// mixins resolve. Attribute values are trusted as they were validated on write.
func (c *Configuration) restoreEntity(es models.EntitySnapshot) error {
	if _, err := c.kindLocked(es.Kind); err != nil {
		return err
	}
	for _, id := range es.Mixins {
		if _, err := c.mixinLocked(id); err != nil {
			return err
		}
	}
	isLink := es.Source != nil && es.Target != nil
	if isLink != c.catalog.IsLinkKind(es.Kind) {
		return fmt.Errorf("link endpoints do not match kind %s", es.Kind)
	}
	e := &models.Entity{
		ID:         es.ID,
		Kind:       es.Kind,
		Mixins:     slices.Clone(es.Mixins),
		Title:      es.Title,
		Location:   models.NormalizeLocation(es.Location),
		Attributes: models.CloneAttributes(es.Attributes),
		CreatedAt:  es.CreatedAt,
		UpdatedAt:  es.UpdatedAt,
	}
	if isLink {
		src, err := c.index.endpoint(es.Source.ID.String())
		if err != nil {
			return err
		}
		tgt, err := c.index.endpoint(es.Target.ID.String())
		if err != nil {
			return err
		}
		e.Source, e.Target = src, tgt
	}
	_, err := c.index.insert(e)
	return err
}
