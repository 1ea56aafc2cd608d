// Package classifier maps an inbound request, its path plus the normalized
// payload, to the one query intent it expresses. Classification is pure: it
// reads the tenant's category locations and never touches entities.
package classifier

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// Intent is the kind of query a request expresses.
type Intent string

// Intents in the order they are tested.
const (
	IntentInterface          Intent = "interface"
	IntentAction             Intent = "action"
	IntentMixinTagDefinition Intent = "mixin_tag_definition"
	IntentEntity             Intent = "entity"
	IntentCollectionCategory Intent = "collection_category"
	IntentCollectionCustom   Intent = "collection_custom"
)

func (i Intent) String() string { return string(i) }

// Reserved query-interface paths, normalized.
var interfacePaths = []string{
	"/-",
	"/.well-known/org/ogf/occi/-",
}

// CategoryLocator finds the Kind or Mixin whose collection a path addresses.
// *registry.Configuration implements it.
type CategoryLocator interface {
	CategoryForPath(path string) (models.CategoryID, bool)
}

// Classification is the result of Classify.
type Classification struct {
	Intent Intent
	// Path is the normalized request path.
	Path string

	// EntityID is set for entity queries, and for actions aimed at an entity.
	// The path UUID wins over the payload UUID when both are present.
	EntityID uuid.UUID
	// PathEntityID and PayloadEntityID keep both candidates for the lookup.
	PathEntityID    uuid.UUID
	PayloadEntityID uuid.UUID

	// Category is the collection category for IntentCollectionCategory, and
	// for actions invoked on a category collection.
	Category models.CategoryID
	Action   models.CategoryID

	// Fallback marks a custom-path collection chosen because nothing more
	// specific matched the root path.
	Fallback bool
}

// HasEntity reports whether the classification identifies a single entity.
func (c Classification) HasEntity() bool { return c.EntityID != uuid.Nil }

// Classify determines the intent of a request. payload may be nil and
// locator may be nil when no tenant context is available.
func Classify(path string, payload *models.RequestPayload, locator CategoryLocator) Classification {
	norm := models.NormalizeLocation(path)
	out := Classification{Path: norm}

	if id, ok := models.ParseEntityUUID(models.LastSegment(norm)); ok {
		out.PathEntityID = id
	}
	if id, ok := payload.EntityUUID(); ok {
		out.PayloadEntityID = id
	}
	entityID := out.PathEntityID
	if entityID == uuid.Nil {
		entityID = out.PayloadEntityID
	}

	switch {
	case isInterfacePath(norm) && out.PayloadEntityID == uuid.Nil:
		out.Intent = IntentInterface

	case payload.HasAction():
		out.Intent = IntentAction
		out.Action = payload.Action
		out.EntityID = entityID
		if entityID == uuid.Nil {
			out.Category = locate(locator, norm)
		}

	case payload.DefinesMixinTag():
		out.Intent = IntentMixinTagDefinition
		out.Category = payload.MixinTag

	case entityID != uuid.Nil && !payload.HasCollectionHints():
		out.Intent = IntentEntity
		out.EntityID = entityID

	default:
		if cat := locate(locator, norm); cat != "" {
			out.Intent = IntentCollectionCategory
			out.Category = cat
			break
		}
		out.Intent = IntentCollectionCustom
		out.Fallback = norm == "/"
	}
	return out
}

func isInterfacePath(norm string) bool {
	for _, p := range interfacePaths {
		if strings.EqualFold(norm, p) {
			return true
		}
	}
	return false
}

func locate(locator CategoryLocator, norm string) models.CategoryID {
	if locator == nil || norm == "/" {
		return ""
	}
	if cat, ok := locator.CategoryForPath(norm); ok {
		return cat
	}
	return ""
}
