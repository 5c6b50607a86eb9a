package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/graph"
	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/metrics"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/repositories"
)

// Dispatcher is the pipeline surface the transport drives
type Dispatcher interface {
	Launch(requestID uuid.UUID)
	Cancel(ctx context.Context, requestID uuid.UUID, reason string) error
}

// EventPublisher emits change request lifecycle events
type EventPublisher interface {
	PublishCatalogEvent(ctx context.Context, event *kafka.CatalogEvent) error
}

// ChangeRequestHandler handles the change request workflow API
type ChangeRequestHandler struct {
	requests   repositories.RequestRepo
	changes    repositories.ChangeRepo
	components repositories.ComponentRepo
	gates      repositories.GateRepo
	jobs       repositories.JobRepo
	dispatcher Dispatcher
	events     EventPublisher
	logger     ectologger.Logger
}

// NewChangeRequestHandler creates a new change request handler
func NewChangeRequestHandler(
	requests repositories.RequestRepo,
	changes repositories.ChangeRepo,
	components repositories.ComponentRepo,
	gates repositories.GateRepo,
	jobs repositories.JobRepo,
	dispatcher Dispatcher,
	events EventPublisher,
	logger ectologger.Logger,
) *ChangeRequestHandler {
	return &ChangeRequestHandler{
		requests:   requests,
		changes:    changes,
		components: components,
		gates:      gates,
		jobs:       jobs,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// RegisterRoutes registers the change request routes
func (h *ChangeRequestHandler) RegisterRoutes(g *echo.Group) {
	requests := g.Group("/change-requests")
	requests.POST("", h.Create)
	requests.GET("", h.List)
	requests.GET("/:id", h.Get)
	requests.POST("/:id/changes", h.AddChange)
	requests.DELETE("/:id/changes/:change_id", h.RemoveChange)
	requests.POST("/:id/changes/:change_id/files", h.AttachFile)
	requests.POST("/:id/submit", h.Submit)
	requests.POST("/:id/cancel", h.Cancel)
	requests.PUT("/:id/wait-for", h.SetWaitFor)

	g.POST("/components/import", h.ImportComponent)
}

// CreateChangeRequestRequest is the request body for creating a change request
type CreateChangeRequestRequest struct {
	Title             string     `json:"title" validate:"required"`
	Body              string     `json:"body,omitempty"`
	ExternalReference *string    `json:"external_reference,omitempty"`
	WaitForRequestID  *uuid.UUID `json:"wait_for_request_id,omitempty"`
}

// Create handles POST /change-requests. New requests always start as drafts.
func (h *ChangeRequestHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateChangeRequestRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	request := &models.ChangeRequest{
		ID:                uuid.New(),
		Title:             req.Title,
		Body:              req.Body,
		Contributor:       GetContributor(c),
		ExternalReference: req.ExternalReference,
		WaitForRequestID:  req.WaitForRequestID,
	}

	if req.WaitForRequestID != nil {
		if _, err := h.requests.GetByID(ctx, *req.WaitForRequestID); err != nil {
			return err
		}
		if err := graph.ValidateWaitChain(ctx, h.requests, request); err != nil {
			if errors.Is(err, graph.ErrCyclicWaitDependency) {
				return BadRequest(err.Error())
			}
			return err
		}
	}

	if err := h.requests.Create(ctx, request); err != nil {
		return err
	}

	metrics.RecordTransition(string(models.RequestStateDraft))
	return CreatedResponse(c, request)
}

// List handles GET /change-requests. Filters by ?state= (default open) or
// looks up a single request by ?external_reference=.
func (h *ChangeRequestHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	if ref := c.QueryParam("external_reference"); ref != "" {
		request, err := h.requests.GetByExternalReference(ctx, ref)
		if err != nil {
			return err
		}
		return SuccessResponse(c, []models.ChangeRequest{*request})
	}

	state := models.ChangeRequestState(c.QueryParam("state"))
	if state == "" {
		state = models.RequestStateOpen
	}
	if !state.Valid() {
		return BadRequest(fmt.Sprintf("unknown state '%s'", state))
	}

	requests, err := h.requests.ListByState(ctx, state)
	if err != nil {
		return err
	}

	return SuccessResponse(c, requests)
}

// StatusResponse is the full view of a change request
type StatusResponse struct {
	Request *models.ChangeRequest    `json:"request"`
	Changes []models.ComponentChange `json:"changes"`
	Jobs    []models.BuildJob        `json:"jobs"`
}

// Get handles GET /change-requests/:id and returns the request together with
// its change set and build jobs.
func (h *ChangeRequestHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}

	changes, err := h.changes.ListByRequest(ctx, id)
	if err != nil {
		return err
	}

	jobs, err := h.jobs.ListByRequest(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, StatusResponse{
		Request: request,
		Changes: changes,
		Jobs:    jobs,
	})
}

// AddChangeRequest is the request body for attaching a change to a draft
type AddChangeRequest struct {
	Kind       string         `json:"kind" validate:"required"`
	Name       string         `json:"name" validate:"required"`
	GateID     uuid.UUID      `json:"gate_id" validate:"required"`
	Version    string         `json:"version,omitempty"`
	Revision   string         `json:"revision,omitempty"`
	Recipe     map[string]any `json:"recipe,omitempty"`
	RecipeDiff map[string]any `json:"recipe_diff,omitempty"`
	Patches    []string       `json:"patches,omitempty"`
	Scripts    []string       `json:"scripts,omitempty"`
	Packages   []string       `json:"packages,omitempty"`
	AnityaID   *string        `json:"anitya_id,omitempty"`
	RepologyID *string        `json:"repology_id,omitempty"`
}

// AddChange handles POST /change-requests/:id/changes. Only drafts may be
// edited. For updated/removed changes the current catalog state is snapshotted
// as the apply-time compare-and-swap baseline.
func (h *ChangeRequestHandler) AddChange(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if request.State != models.RequestStateDraft {
		return Conflict(fmt.Sprintf("change request is %s; changes may only be edited in draft", request.State))
	}

	var req AddChangeRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	kind := models.ComponentChangeKind(req.Kind)
	if !kind.Valid() {
		return BadRequest(fmt.Sprintf("unknown change kind '%s'", req.Kind))
	}
	if kind != models.ChangeKindRemoved && (req.Version == "" || req.Revision == "") {
		return BadRequest("version and revision are required")
	}

	if _, err := h.gates.GetByID(ctx, req.GateID); err != nil {
		return err
	}

	change := &models.ComponentChange{
		ChangeRequestID: id,
		GateID:          &req.GateID,
		Kind:            kind,
		Name:            req.Name,
		Version:         req.Version,
		Revision:        req.Revision,
		Recipe:          database.JSONB[map[string]any]{Data: req.Recipe},
		RecipeDiff:      database.JSONB[map[string]any]{Data: req.RecipeDiff},
		Patches:         database.JSONB[[]string]{Data: req.Patches},
		Scripts:         database.JSONB[[]string]{Data: req.Scripts},
		Packages:        database.JSONB[[]string]{Data: req.Packages},
		AnityaID:        req.AnityaID,
		RepologyID:      req.RepologyID,
	}

	if err := h.snapshotTarget(ctx, change); err != nil {
		return err
	}

	if err := h.changes.Create(ctx, change); err != nil {
		return err
	}

	h.recomputeBuildOrder(ctx, id)

	return CreatedResponse(c, change)
}

// snapshotTarget resolves the catalog component a change targets. Added
// changes must not collide with a live component; updated/removed changes
// record the target's current key as their baseline.
func (h *ChangeRequestHandler) snapshotTarget(ctx context.Context, change *models.ComponentChange) error {
	current, err := h.components.GetCurrent(ctx, *change.GateID, change.Name)

	if change.Kind == models.ChangeKindAdded {
		if err == nil {
			return Conflict(fmt.Sprintf("component '%s' already exists as %s; use kind 'updated'",
				change.Name, current.Key()))
		}
		if repositories.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err != nil {
		return err
	}
	change.ComponentID = &current.ID
	change.BaseVersion = current.Version
	change.BaseRevision = current.Revision
	return nil
}

// recomputeBuildOrder refreshes the persisted build order after a draft's
// change set moved. A cyclic change set is tolerated here; submission is
// where it becomes an error.
func (h *ChangeRequestHandler) recomputeBuildOrder(ctx context.Context, requestID uuid.UUID) {
	changes, err := h.changes.ListByRequest(ctx, requestID)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to reload change set for build order")
		return
	}

	order, err := graph.BuildOrder(changes)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": requestID,
		}).Warn("Draft change set has no valid build order")
		return
	}

	if err := h.requests.SetBuildOrder(ctx, requestID, order); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to persist build order")
	}
}

// RemoveChange handles DELETE /change-requests/:id/changes/:change_id
func (h *ChangeRequestHandler) RemoveChange(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	changeID, err := ParseUUID(c, "change_id")
	if err != nil {
		return err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if request.State != models.RequestStateDraft {
		return Conflict(fmt.Sprintf("change request is %s; changes may only be edited in draft", request.State))
	}

	change, err := h.changes.GetByID(ctx, changeID)
	if err != nil {
		return err
	}
	if change.ChangeRequestID != id {
		return repositories.NotFound("change request %s has no change %s", id, changeID)
	}

	if err := h.changes.Delete(ctx, changeID); err != nil {
		return err
	}

	h.recomputeBuildOrder(ctx, id)

	return NoContentResponse(c)
}

// AttachFileRequest references an uploaded archive, patch or script. The
// bytes live in object storage; only the reference is recorded.
type AttachFileRequest struct {
	URL  string `json:"url" validate:"required"`
	Kind string `json:"kind" validate:"required"`
}

// AttachFile handles POST /change-requests/:id/changes/:change_id/files
func (h *ChangeRequestHandler) AttachFile(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	changeID, err := ParseUUID(c, "change_id")
	if err != nil {
		return err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if request.State != models.RequestStateDraft {
		return Conflict(fmt.Sprintf("change request is %s; files may only be attached in draft", request.State))
	}

	change, err := h.changes.GetByID(ctx, changeID)
	if err != nil {
		return err
	}
	if change.ChangeRequestID != id {
		return repositories.NotFound("change request %s has no change %s", id, changeID)
	}

	var req AttachFileRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	switch req.Kind {
	case "patch":
		change.Patches = database.JSONB[[]string]{Data: append(change.Patches.GetValue(), req.URL)}
	case "script":
		change.Scripts = database.JSONB[[]string]{Data: append(change.Scripts.GetValue(), req.URL)}
	case "archive":
		doc := change.Recipe.GetValue()
		if doc == nil {
			doc = map[string]any{}
		}
		sources, _ := doc["sources"].([]any)
		doc["sources"] = append(sources, req.URL)
		change.Recipe = database.JSONB[map[string]any]{Data: doc}
	default:
		return BadRequest(fmt.Sprintf("unknown file kind '%s'; expected archive, patch or script", req.Kind))
	}

	if err := h.changes.UpdateDocuments(ctx, change); err != nil {
		return err
	}

	return SuccessResponse(c, change)
}

// Submit handles POST /change-requests/:id/submit: the Draft to Open
// transition. The build order is computed and frozen here, the wait chain is
// validated, and the build pipeline starts.
func (h *ChangeRequestHandler) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if request.State != models.RequestStateDraft {
		return Conflict(fmt.Sprintf("change request is %s; only drafts can be submitted", request.State))
	}

	changes, err := h.changes.ListByRequest(ctx, id)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return BadRequest("change request has no changes")
	}

	order, err := graph.BuildOrder(changes)
	if err != nil {
		if errors.Is(err, graph.ErrCyclicDependency) {
			return BadRequest(err.Error())
		}
		return err
	}

	if err := graph.ValidateWaitChain(ctx, h.requests, request); err != nil {
		if errors.Is(err, graph.ErrCyclicWaitDependency) {
			return BadRequest(err.Error())
		}
		return err
	}

	// A draft or closed parent cannot be queued behind; open is fine, the
	// pipeline holds the apply until the parent is applied.
	if request.WaitForRequestID != nil {
		parent, err := h.requests.GetByID(ctx, *request.WaitForRequestID)
		if err != nil {
			return err
		}
		if parent.State != models.RequestStateOpen && parent.State != models.RequestStateApplied {
			return Conflict(fmt.Sprintf("change request waits for %s which is %s; it must be open or applied",
				parent.ID, parent.State))
		}
	}

	if err := h.requests.SetBuildOrder(ctx, id, order); err != nil {
		return err
	}

	if err := h.requests.TransitionState(ctx, id, models.RequestStateDraft, models.RequestStateOpen, nil); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return Conflict("change request is no longer a draft")
		}
		return err
	}
	metrics.RecordTransition(string(models.RequestStateOpen))

	if err := h.events.PublishCatalogEvent(ctx, &kafka.CatalogEvent{
		EventType:       kafka.EventRequestOpened,
		ChangeRequestID: id.String(),
		Contributor:     request.Contributor,
	}); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to publish opened event")
	}

	h.dispatcher.Launch(id)

	submitted, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, submitted)
}

// CancelRequest is the request body for cancelling a change request
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /change-requests/:id/cancel
func (h *ChangeRequestHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + GetContributor(c)
	}

	if err := h.dispatcher.Cancel(ctx, id, req.Reason); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return Conflict("only open change requests can be cancelled")
		}
		return err
	}

	cancelled, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, cancelled)
}

// SetWaitForRequest is the request body for setting the wait-for link
type SetWaitForRequest struct {
	WaitForRequestID *uuid.UUID `json:"wait_for_request_id"`
}

// SetWaitFor handles PUT /change-requests/:id/wait-for. A null id clears the
// link. Only drafts may be re-queued.
func (h *ChangeRequestHandler) SetWaitFor(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if request.State != models.RequestStateDraft {
		return Conflict(fmt.Sprintf("change request is %s; wait-for may only be changed in draft", request.State))
	}

	var req SetWaitForRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if req.WaitForRequestID != nil {
		if *req.WaitForRequestID == id {
			return BadRequest("change request cannot wait for itself")
		}
		if _, err := h.requests.GetByID(ctx, *req.WaitForRequestID); err != nil {
			return err
		}

		prospective := *request
		prospective.WaitForRequestID = req.WaitForRequestID
		if err := graph.ValidateWaitChain(ctx, h.requests, &prospective); err != nil {
			if errors.Is(err, graph.ErrCyclicWaitDependency) {
				return BadRequest(err.Error())
			}
			return err
		}
	}

	if err := h.requests.SetWaitFor(ctx, id, req.WaitForRequestID); err != nil {
		return err
	}

	request.WaitForRequestID = req.WaitForRequestID
	return SuccessResponse(c, request)
}

// ImportComponentRequest is the request body for the upstream import flow
type ImportComponentRequest struct {
	GateID     uuid.UUID      `json:"gate_id" validate:"required"`
	Name       string         `json:"name" validate:"required"`
	Version    string         `json:"version" validate:"required"`
	Revision   string         `json:"revision,omitempty"`
	Recipe     map[string]any `json:"recipe,omitempty"`
	AnityaID   *string        `json:"anitya_id,omitempty"`
	RepologyID *string        `json:"repology_id,omitempty"`
}

// ImportComponent handles POST /components/import: creates a draft change
// request carrying a single change derived from upstream metadata. The change
// kind is added or updated depending on whether the component already exists.
func (h *ChangeRequestHandler) ImportComponent(c echo.Context) error {
	ctx := c.Request().Context()

	var req ImportComponentRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.Revision == "" {
		req.Revision = "0"
	}

	if _, err := h.gates.GetByID(ctx, req.GateID); err != nil {
		return err
	}

	change := &models.ComponentChange{
		GateID:     &req.GateID,
		Kind:       models.ChangeKindAdded,
		Name:       req.Name,
		Version:    req.Version,
		Revision:   req.Revision,
		Recipe:     database.JSONB[map[string]any]{Data: req.Recipe},
		AnityaID:   req.AnityaID,
		RepologyID: req.RepologyID,
	}

	current, err := h.components.GetCurrent(ctx, req.GateID, req.Name)
	switch {
	case err == nil:
		change.Kind = models.ChangeKindUpdated
		change.ComponentID = &current.ID
		change.BaseVersion = current.Version
		change.BaseRevision = current.Revision
	case repositories.IsNotFound(err):
		// First import of this component
	default:
		return err
	}

	request := &models.ChangeRequest{
		ID:          uuid.New(),
		Title:       fmt.Sprintf("Import %s@%s-%s", req.Name, req.Version, req.Revision),
		Body:        "Imported from upstream release monitoring",
		Contributor: GetContributor(c),
	}
	if err := h.requests.Create(ctx, request); err != nil {
		return err
	}

	change.ChangeRequestID = request.ID
	if err := h.changes.Create(ctx, change); err != nil {
		return err
	}

	if err := h.requests.SetBuildOrder(ctx, request.ID, []string{req.Name}); err != nil {
		return err
	}

	metrics.RecordTransition(string(models.RequestStateDraft))
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"change_request_id": request.ID,
		"component_name":    req.Name,
		"kind":              change.Kind,
	}).Info("Imported component as draft change request")

	return CreatedResponse(c, StatusResponse{
		Request: request,
		Changes: []models.ComponentChange{*change},
	})
}
