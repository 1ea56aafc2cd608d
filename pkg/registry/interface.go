package registry

import (
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// ApplyFilterOnInterface lists the Kinds, Mixins and Actions this tenant uses.
// A non-empty filter keeps only the category with that scheme#term or term.
func (c *Configuration) ApplyFilterOnInterface(filter string) models.InterfaceDocument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keep := func(id models.CategoryID) bool {
		return filter == "" || string(id) == filter || id.Term() == filter
	}
	doc := models.InterfaceDocument{
		Kinds:   []models.KindView{},
		Mixins:  []models.MixinView{},
		Actions: []models.ActionView{},
	}
	seen := make(map[models.CategoryID]bool)
	for _, name := range c.extensions {
		ext, ok := c.catalog.Extension(name)
		if !ok {
			continue
		}
		for _, id := range ext.Kinds {
			k, ok := c.catalog.ResolveKind(id)
			if !ok || seen[id] || !keep(id) {
				continue
			}
			seen[id] = true
			doc.Kinds = append(doc.Kinds, models.KindView{
				ID:         id,
				Kind:       k,
				Attributes: c.catalog.KindAttributes(id),
				Actions:    c.catalog.KindActions(id),
			})
		}
		for _, id := range ext.Mixins {
			m, ok := c.catalog.ResolveMixin(id)
			if !ok || seen[id] || !keep(id) {
				continue
			}
			seen[id] = true
			doc.Mixins = append(doc.Mixins, models.MixinView{ID: id, Mixin: m, Attributes: c.mixinAttributesLocked(id)})
		}
		for _, id := range ext.Actions {
			a, ok := c.catalog.ResolveAction(id)
			if !ok || seen[id] || !keep(id) {
				continue
			}
			seen[id] = true
			doc.Actions = append(doc.Actions, models.ActionView{ID: id, Action: a})
		}
	}
	for _, id := range c.tagOrder {
		if keep(id) {
			doc.Mixins = append(doc.Mixins, models.MixinView{ID: id, Mixin: c.tags[id], Attributes: []models.Attribute{}})
		}
	}
	return doc
}

// mixinAttributesLocked returns a mixin's attributes followed by those of its
// dependencies not already declared.
func (c *Configuration) mixinAttributesLocked(id models.CategoryID) []models.Attribute {
	var out []models.Attribute
	seen := make(map[string]bool)
	for _, mid := range append([]models.CategoryID{id}, c.catalog.MixinDependencies(id)...) {
		m, err := c.mixinLocked(mid)
		if err != nil {
			continue
		}
		for _, a := range m.Attributes {
			if !seen[a.Name] {
				seen[a.Name] = true
				out = append(out, a)
			}
		}
	}
	return out
}
