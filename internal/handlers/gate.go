package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/repositories"
)

// GateHandler handles gate-related API requests
type GateHandler struct {
	repo repositories.GateRepo
}

// NewGateHandler creates a new gate handler
func NewGateHandler(repo repositories.GateRepo) *GateHandler {
	return &GateHandler{
		repo: repo,
	}
}

// CreateGateRequest is the request body for creating a gate
type CreateGateRequest struct {
	Name       string           `json:"name" validate:"required"`
	Version    string           `json:"version" validate:"required"`
	Branch     string           `json:"branch" validate:"required"`
	Ref        string           `json:"ref,omitempty"`
	Publisher  string           `json:"publisher,omitempty"`
	Transforms []map[string]any `json:"transforms,omitempty"`
}

// UpdateGateRequest is the request body for updating a gate
type UpdateGateRequest struct {
	Version    *string          `json:"version,omitempty"`
	Ref        *string          `json:"ref,omitempty"`
	Publisher  *string          `json:"publisher,omitempty"`
	Transforms []map[string]any `json:"transforms,omitempty"`
}

// RegisterRoutes registers the gate routes
func (h *GateHandler) RegisterRoutes(g *echo.Group) {
	gates := g.Group("/gates")
	gates.POST("", h.Create)
	gates.GET("", h.List)
	gates.GET("/:id", h.Get)
	gates.PUT("/:id", h.Update)
	gates.DELETE("/:id", h.Delete)
}

// Create handles POST /gates
func (h *GateHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateGateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if err := c.Validate(&req); err != nil {
		return err
	}

	gate := &models.Gate{
		Name:      req.Name,
		Version:   req.Version,
		Branch:    req.Branch,
		Ref:       req.Ref,
		Publisher: req.Publisher,
	}
	if req.Transforms != nil {
		gate.Transforms = database.JSONB[[]map[string]any]{Data: req.Transforms}
	}

	if err := h.repo.Create(ctx, gate); err != nil {
		return err
	}

	return CreatedResponse(c, gate)
}

// List handles GET /gates
func (h *GateHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	gates, err := h.repo.List(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, gates)
}

// Get handles GET /gates/:id
func (h *GateHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	gate, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, gate)
}

// Update handles PUT /gates/:id
func (h *GateHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	existing, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	var req UpdateGateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if req.Version != nil {
		existing.Version = *req.Version
	}
	if req.Ref != nil {
		existing.Ref = *req.Ref
	}
	if req.Publisher != nil {
		existing.Publisher = *req.Publisher
	}
	if req.Transforms != nil {
		existing.Transforms = database.JSONB[[]map[string]any]{Data: req.Transforms}
	}

	if err := h.repo.Update(ctx, existing); err != nil {
		return err
	}

	return SuccessResponse(c, existing)
}

// Delete handles DELETE /gates/:id
func (h *GateHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(ctx, id); err != nil {
		return err
	}

	return NoContentResponse(c)
}
