package registry

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

// InvokeAction checks that the entity addressed by ref exposes action and that
// params are the action's declared parameters. Entities are inert records, so
// a valid invocation changes nothing and returns the entity as it is.
func (c *Configuration) InvokeAction(ref string, action models.CategoryID, params map[string]any) (*models.Entity, error) {
	e, err := c.invoke(ref, action, params)
	c.observe("invoke_action", err)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Action invoked",
		zap.String("action", string(action)),
		zap.String("id", e.ID.String()))
	return e, nil
}

func (c *Configuration) invoke(ref string, actionID models.CategoryID, params map[string]any) (*models.Entity, error) {
	rec, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	action, err := c.actionLocked(actionID)
	if err != nil {
		return nil, err
	}
	if err := checkParams(action, params); err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !c.exposesLocked(rec.e, actionID) {
		return nil, fmt.Errorf("%w: action %s is not exposed by entity %s", apperrors.ErrReferenceNotFound, actionID, rec.e.ID)
	}
	return c.visibleLocked(rec.e), nil
}

// InvokeActionOnCollection applies action to every entity of the category
// collection that exposes it, then pages the result with filter.
func (c *Configuration) InvokeActionOnCollection(category, actionID models.CategoryID, params map[string]any, filter models.CollectionFilter) (models.Page, error) {
	page, err := c.invokeOnCollection(category, actionID, params, filter)
	c.observe("invoke_action_collection", err)
	if err != nil {
		return models.Page{}, err
	}
	c.logger.Info("Action invoked on collection",
		zap.String("action", string(actionID)),
		zap.String("category", string(category)),
		zap.Int("entities", page.Total))
	return page, nil
}

func (c *Configuration) invokeOnCollection(category, actionID models.CategoryID, params map[string]any, filter models.CollectionFilter) (models.Page, error) {
	c.mu.RLock()
	action, err := c.actionLocked(actionID)
	c.mu.RUnlock()
	if err != nil {
		return models.Page{}, err
	}
	if err := checkParams(action, params); err != nil {
		return models.Page{}, err
	}

	members := c.entitiesForCategory(category)
	c.mu.RLock()
	targets := slices.DeleteFunc(members, func(e *models.Entity) bool { return !c.exposesLocked(e, actionID) })
	c.mu.RUnlock()
	return filter.Apply(targets), nil
}

// exposesLocked reports whether the entity's kind chain or one of its mixins
// exposes the action. Caller holds mu.
func (c *Configuration) exposesLocked(e *models.Entity, action models.CategoryID) bool {
	if slices.Contains(c.catalog.KindActions(e.Kind), action) {
		return true
	}
	for _, id := range e.Mixins {
		if m, err := c.mixinLocked(id); err == nil && m.HasAction(action) {
			return true
		}
	}
	return false
}

func checkParams(action *models.Action, params map[string]any) error {
	for name, value := range params {
		def, ok := action.Attribute(name)
		if !ok {
			return fmt.Errorf("%w: action %s has no parameter %s", apperrors.ErrAttributeValidation, action.ID(), name)
		}
		if err := def.Check(value); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrAttributeValidation, err)
		}
	}
	for _, def := range action.Attributes {
		if _, ok := params[def.Name]; def.Required && !ok {
			return fmt.Errorf("%w: action %s requires parameter %s", apperrors.ErrAttributeValidation, action.ID(), def.Name)
		}
	}
	return nil
}
