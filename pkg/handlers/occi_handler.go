package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/occi-engine/pkg/apperrors"
	"github.com/ekaya-inc/occi-engine/pkg/classifier"
	"github.com/ekaya-inc/occi-engine/pkg/metrics"
	"github.com/ekaya-inc/occi-engine/pkg/middleware"
	"github.com/ekaya-inc/occi-engine/pkg/models"
	"github.com/ekaya-inc/occi-engine/pkg/registry"
)

// maxPayloadBytes bounds a decoded request body.
const maxPayloadBytes = 1 << 20

// OCCIHandler serves the OCCI query interface and entity collections. Every
// request is classified by path and payload, then dispatched on the
// resulting intent and the HTTP method.
type OCCIHandler struct {
	manager *registry.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewOCCIHandler creates a new OCCIHandler. m may be nil.
func NewOCCIHandler(manager *registry.Manager, m *metrics.Metrics, logger *zap.Logger) *OCCIHandler {
	return &OCCIHandler{
		manager: manager,
		metrics: m,
		logger:  logger.Named("occi-handler"),
	}
}

// RegisterRoutes registers the catch-all OCCI route. The owner middleware
// resolves the tenant before dispatch.
func (h *OCCIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/", middleware.WithOwner(h.manager.DefaultOwner())(http.HandlerFunc(h.Serve)))
}

// request carries everything a dispatch target needs.
type request struct {
	owner   string
	payload *models.RequestPayload
	class   classifier.Classification
	filter  models.CollectionFilter
}

// Serve classifies and dispatches one OCCI request.
func (h *OCCIHandler) Serve(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	filter, err := ParseCollectionFilter(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	owner := middleware.GetOwner(r.Context())
	cfg, err := h.manager.GetOrCreateConfiguration(owner)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	req := &request{
		owner:   cfg.Owner(),
		payload: payload,
		class:   classifier.Classify(r.URL.Path, payload, cfg),
		filter:  filter,
	}
	h.metrics.ObserveClassification(req.class.Intent.String())
	h.logger.Debug("Request classified",
		zap.String("owner", req.owner),
		zap.String("method", r.Method),
		zap.String("path", req.class.Path),
		zap.String("intent", req.class.Intent.String()),
		zap.Bool("fallback", req.class.Fallback))

	switch req.class.Intent {
	case classifier.IntentInterface:
		h.serveInterface(w, r, req)
	case classifier.IntentAction:
		h.serveAction(w, r, req)
	case classifier.IntentMixinTagDefinition:
		h.serveMixinTag(w, r, req)
	case classifier.IntentEntity:
		h.serveEntity(w, r, req)
	case classifier.IntentCollectionCategory:
		h.serveCategoryCollection(w, r, req)
	default:
		h.serveCustomCollection(w, r, req)
	}
}

// decodePayload reads the JSON rendering of the normalized payload. An empty
// body yields a nil payload.
func decodePayload(r *http.Request) (*models.RequestPayload, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", apperrors.ErrAttributeValidation, err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", apperrors.ErrAttributeValidation, maxPayloadBytes)
	}
	if len(body) == 0 {
		return nil, nil
	}
	var p models.RequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON payload: %v", apperrors.ErrAttributeValidation, err)
	}
	return &p, nil
}

func (h *OCCIHandler) methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	msg := fmt.Sprintf("%s is not supported here", r.Method)
	if err := ErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", msg); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *OCCIHandler) write(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *OCCIHandler) created(w http.ResponseWriter, e *models.Entity) {
	w.Header().Set("Location", e.Location)
	h.write(w, http.StatusCreated, e)
}

// ============================================================================
// Query interface
// ============================================================================

func (h *OCCIHandler) serveInterface(w http.ResponseWriter, r *http.Request, req *request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		doc, err := h.manager.ApplyFilterOnInterface(req.owner, r.URL.Query().Get(paramCategory))
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.write(w, http.StatusOK, doc)
	case http.MethodPost, http.MethodPut:
		if !req.payload.DefinesMixinTag() {
			WriteError(w, fmt.Errorf("%w: a mixin tag needs an id and a title", apperrors.ErrAttributeValidation), h.logger)
			return
		}
		h.addMixinTag(w, req)
	case http.MethodDelete:
		h.removeMixinTag(w, req)
	default:
		h.methodNotAllowed(w, r, "GET, POST, PUT, DELETE")
	}
}

func (h *OCCIHandler) serveMixinTag(w http.ResponseWriter, r *http.Request, req *request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		h.addMixinTag(w, req)
	case http.MethodDelete:
		h.removeMixinTag(w, req)
	default:
		h.methodNotAllowed(w, r, "POST, PUT, DELETE")
	}
}

func (h *OCCIHandler) addMixinTag(w http.ResponseWriter, req *request) {
	tag, err := h.manager.AddUserMixinTag(req.owner, req.payload.MixinTagDef())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.Header().Set("Location", tag.Location)
	h.write(w, http.StatusCreated, tag)
}

func (h *OCCIHandler) removeMixinTag(w http.ResponseWriter, req *request) {
	if req.payload == nil || req.payload.MixinTag == "" {
		WriteError(w, fmt.Errorf("%w: no mixin tag named", apperrors.ErrAttributeValidation), h.logger)
		return
	}
	if err := h.manager.RemoveUserMixinTag(req.owner, req.payload.MixinTag); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Actions
// ============================================================================

func (h *OCCIHandler) serveAction(w http.ResponseWriter, r *http.Request, req *request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, "POST")
		return
	}
	params := req.payload.Attributes
	c := req.class

	switch {
	case c.HasEntity():
		e, err := h.manager.InvokeAction(req.owner, c.EntityID.String(), c.Action, params)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.write(w, http.StatusOK, e)
	case c.Category != "":
		page, err := h.manager.InvokeActionOnCollection(req.owner, c.Category, c.Action, params, req.filter)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.write(w, http.StatusOK, page)
	default:
		// A custom path addresses at most one entity, by location.
		e, err := h.manager.InvokeAction(req.owner, c.Path, c.Action, params)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.write(w, http.StatusOK, e)
	}
}

// ============================================================================
// Single entity
// ============================================================================

// lookup finds the classified entity, trying the path UUID, then the
// payload UUID, then the request path as a location. A location may end in a
// UUID that is not the entity's own.
func (h *OCCIHandler) lookup(req *request) (*models.Entity, bool) {
	for _, id := range []uuid.UUID{req.class.PathEntityID, req.class.PayloadEntityID} {
		if id == uuid.Nil {
			continue
		}
		if e, ok := h.manager.FindEntityByUUID(req.owner, id); ok {
			return e, true
		}
	}
	return h.manager.FindEntity(req.owner, req.class.Path)
}

func (h *OCCIHandler) serveEntity(w http.ResponseWriter, r *http.Request, req *request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		e, ok := h.lookup(req)
		if !ok {
			WriteError(w, fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, req.class.EntityID), h.logger)
			return
		}
		h.write(w, http.StatusOK, e)

	case http.MethodPut:
		e, ok := h.lookup(req)
		if !ok {
			h.createAt(w, req, req.class.EntityID, h.entityLocation(req))
			return
		}
		h.update(w, req, e.ID)

	case http.MethodPost:
		e, ok := h.lookup(req)
		if !ok {
			WriteError(w, fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, req.class.EntityID), h.logger)
			return
		}
		h.update(w, req, e.ID)

	case http.MethodDelete:
		e, ok := h.lookup(req)
		if !ok {
			WriteError(w, fmt.Errorf("%w: entity %s", apperrors.ErrReferenceNotFound, req.class.EntityID), h.logger)
			return
		}
		if req.payload != nil && len(req.payload.Mixins) > 0 {
			h.dissociate(w, req, e.ID, req.payload.Mixins)
			return
		}
		if _, err := h.manager.RemoveEntity(req.owner, e.ID.String()); err != nil {
			WriteError(w, err, h.logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		h.methodNotAllowed(w, r, "GET, PUT, POST, DELETE")
	}
}

// entityLocation is where a PUT creates an entity: the request path when it
// ends in the entity UUID, otherwise the kind's default location.
func (h *OCCIHandler) entityLocation(req *request) string {
	if req.class.PathEntityID != uuid.Nil {
		return req.class.Path
	}
	return ""
}

// update applies a partial update: mixins named in the payload are
// associated, then attributes are written.
func (h *OCCIHandler) update(w http.ResponseWriter, req *request, id uuid.UUID) {
	var (
		e   *models.Entity
		err error
	)
	attrs := withoutID(req.payload)
	if req.payload != nil && len(req.payload.Mixins) > 0 {
		e, err = h.manager.AssociateMixins(req.owner, id, req.payload.Mixins, attrs)
	} else {
		e, err = h.manager.UpdateAttributes(req.owner, id, attrs)
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.write(w, http.StatusOK, e)
}

func (h *OCCIHandler) dissociate(w http.ResponseWriter, req *request, id uuid.UUID, mixins []models.CategoryID) {
	var (
		e   *models.Entity
		err error
	)
	for _, mixin := range mixins {
		if e, err = h.manager.DissociateMixin(req.owner, id, mixin); err != nil {
			WriteError(w, err, h.logger)
			return
		}
	}
	h.write(w, http.StatusOK, e)
}

// withoutID drops occi.core.id, which addresses the entity rather than
// updating it.
func withoutID(p *models.RequestPayload) map[string]any {
	if p == nil || len(p.Attributes) == 0 {
		return map[string]any{}
	}
	attrs := models.CloneAttributes(p.Attributes)
	delete(attrs, models.AttrID)
	return attrs
}

// createAt creates the payload's entity. A nil id lets the registry pick
// one; an empty location means the kind's default location.
func (h *OCCIHandler) createAt(w http.ResponseWriter, req *request, id uuid.UUID, location string) {
	if req.payload == nil || req.payload.Kind == "" {
		WriteError(w, fmt.Errorf("%w: a kind is required to create an entity", apperrors.ErrAttributeValidation), h.logger)
		return
	}
	attrs := models.CloneAttributes(req.payload.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	if id != uuid.Nil {
		attrs[models.AttrID] = id.String()
	}

	var (
		e   *models.Entity
		err error
	)
	kind, mixins := req.payload.Kind, req.payload.Mixins
	if h.manager.Catalog().IsLinkKind(kind) {
		e, err = h.manager.AddLink(req.owner, kind, mixins, attrs, "", "", location)
	} else {
		e, err = h.manager.AddResource(req.owner, kind, mixins, attrs, location)
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.created(w, e)
}

// ============================================================================
// Collections
// ============================================================================

func (h *OCCIHandler) serveCategoryCollection(w http.ResponseWriter, r *http.Request, req *request) {
	category := req.class.Category
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		page, err := h.manager.FindAllEntitiesForCategory(req.owner, category, req.filter)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.write(w, http.StatusOK, page)

	case http.MethodPost, http.MethodPut:
		if req.payload.HasCollectionHints() {
			h.applyMixinToLocations(w, req, category, true)
			return
		}
		if req.payload == nil {
			req.payload = &models.RequestPayload{}
		}
		if req.payload.Kind == "" {
			if _, ok := h.manager.Catalog().ResolveKind(category); ok {
				req.payload.Kind = category
			}
		}
		h.createAt(w, req, uuid.Nil, "")

	case http.MethodDelete:
		if req.payload.HasCollectionHints() {
			h.applyMixinToLocations(w, req, category, false)
			return
		}
		page, err := h.manager.FindAllEntitiesForCategory(req.owner, category, req.filter)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.removeAll(w, req, page.Entities)

	default:
		h.methodNotAllowed(w, r, "GET, POST, PUT, DELETE")
	}
}

// applyMixinToLocations associates (or dissociates) a mixin collection's
// mixin with every entity named by the payload's location hints.
func (h *OCCIHandler) applyMixinToLocations(w http.ResponseWriter, req *request, mixin models.CategoryID, add bool) {
	out := make([]*models.Entity, 0, len(req.payload.Locations))
	for _, loc := range req.payload.Locations {
		target, ok := h.manager.FindEntity(req.owner, loc)
		if !ok {
			WriteError(w, fmt.Errorf("%w: entity at %s", apperrors.ErrReferenceNotFound, loc), h.logger)
			return
		}
		var (
			e   *models.Entity
			err error
		)
		if add {
			e, err = h.manager.AddMixinToEntity(req.owner, target.ID, mixin)
		} else {
			e, err = h.manager.DissociateMixin(req.owner, target.ID, mixin)
		}
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		out = append(out, e)
	}
	h.write(w, http.StatusOK, models.Paginate(out, models.CollectionFilter{}))
}

func (h *OCCIHandler) serveCustomCollection(w http.ResponseWriter, r *http.Request, req *request) {
	path := req.class.Path
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if e, ok := h.manager.FindEntity(req.owner, path); ok && path != "/" {
			h.write(w, http.StatusOK, e)
			return
		}
		page, err := h.manager.FindEntitiesUnderPath(req.owner, path, req.filter)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.write(w, http.StatusOK, page)

	case http.MethodPut:
		if e, ok := h.manager.FindEntity(req.owner, path); ok {
			h.update(w, req, e.ID)
			return
		}
		h.createAt(w, req, uuid.Nil, path)

	case http.MethodPost:
		if e, ok := h.manager.FindEntity(req.owner, path); ok {
			h.update(w, req, e.ID)
			return
		}
		id := uuid.New()
		h.createAt(w, req, id, models.JoinLocation(path, id.String()))

	case http.MethodDelete:
		if e, ok := h.manager.FindEntity(req.owner, path); ok {
			if _, err := h.manager.RemoveEntity(req.owner, e.ID.String()); err != nil {
				WriteError(w, err, h.logger)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		page, err := h.manager.FindEntitiesUnderPath(req.owner, path, req.filter)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		h.removeAll(w, req, page.Entities)

	default:
		h.methodNotAllowed(w, r, "GET, PUT, POST, DELETE")
	}
}

// removeAll deletes links before resources so no resource is still
// referenced when its turn comes. A resource targeted by a link outside the
// set fails the whole request before anything is removed.
func (h *OCCIHandler) removeAll(w http.ResponseWriter, req *request, entities []*models.Entity) {
	if err := h.checkRemovable(req.owner, entities); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	ordered := make([]*models.Entity, 0, len(entities))
	for _, e := range entities {
		if e.IsLink() {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entities {
		if !e.IsLink() {
			ordered = append(ordered, e)
		}
	}
	for _, e := range ordered {
		_, err := h.manager.RemoveEntity(req.owner, e.ID.String())
		if err != nil && !errors.Is(err, apperrors.ErrReferenceNotFound) {
			WriteError(w, err, h.logger)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkRemovable reports ErrEntityConflict when a link that is not itself
// being removed points at one of the entities.
func (h *OCCIHandler) checkRemovable(owner string, entities []*models.Entity) error {
	removing := make(map[uuid.UUID]bool, len(entities))
	for _, e := range entities {
		removing[e.ID] = true
	}
	all, err := h.manager.FindAllEntities(owner)
	if err != nil {
		return err
	}
	for _, l := range all {
		if !l.IsLink() || removing[l.ID] {
			continue
		}
		for _, end := range []*models.LinkEndpoint{l.Source, l.Target} {
			if removing[end.ID] {
				return fmt.Errorf("%w: entity %s is the endpoint of link %s, nothing was removed",
					apperrors.ErrEntityConflict, end.ID, l.Location)
			}
		}
	}
	return nil
}
