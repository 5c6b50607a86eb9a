package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/repositories"
)

// ComponentHandler handles component catalog API requests. Components are
// read-only through this surface; all mutation goes through change requests.
type ComponentHandler struct {
	components repositories.ComponentRepo
	gates      repositories.GateRepo
}

// NewComponentHandler creates a new component handler
func NewComponentHandler(components repositories.ComponentRepo, gates repositories.GateRepo) *ComponentHandler {
	return &ComponentHandler{
		components: components,
		gates:      gates,
	}
}

// RegisterRoutes registers the component routes
func (h *ComponentHandler) RegisterRoutes(g *echo.Group) {
	gates := g.Group("/gates/:gate_id/components")
	gates.GET("", h.List)
	gates.GET("/:name", h.GetCurrent)
	gates.GET("/:name/:version/:revision", h.GetByKey)

	g.GET("/components/:id", h.Get)
}

// List handles GET /gates/:gate_id/components. Retired components are
// excluded unless ?retired=true.
func (h *ComponentHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	gateID, err := ParseUUID(c, "gate_id")
	if err != nil {
		return err
	}

	// Resolve the gate first so an unknown gate is a 404, not an empty list
	if _, err := h.gates.GetByID(ctx, gateID); err != nil {
		return err
	}

	includeRetired := c.QueryParam("retired") == "true"
	components, err := h.components.List(ctx, gateID, includeRetired)
	if err != nil {
		return err
	}

	return SuccessResponse(c, components)
}

// GetCurrent handles GET /gates/:gate_id/components/:name and returns the
// newest non-retired component with that name.
func (h *ComponentHandler) GetCurrent(c echo.Context) error {
	ctx := c.Request().Context()

	gateID, err := ParseUUID(c, "gate_id")
	if err != nil {
		return err
	}
	name := c.Param("name")
	if name == "" {
		return BadRequest("missing component name")
	}

	component, err := h.components.GetCurrent(ctx, gateID, name)
	if err != nil {
		return err
	}

	return SuccessResponse(c, component)
}

// GetByKey handles GET /gates/:gate_id/components/:name/:version/:revision
func (h *ComponentHandler) GetByKey(c echo.Context) error {
	ctx := c.Request().Context()

	gateID, err := ParseUUID(c, "gate_id")
	if err != nil {
		return err
	}

	key := models.ComponentKey{
		GateID:   gateID,
		Name:     c.Param("name"),
		Version:  c.Param("version"),
		Revision: c.Param("revision"),
	}
	if key.Name == "" || key.Version == "" || key.Revision == "" {
		return BadRequest("component key requires name, version and revision")
	}

	component, err := h.components.GetByKey(ctx, key)
	if err != nil {
		return err
	}

	return SuccessResponse(c, component)
}

// Get handles GET /components/:id
func (h *ComponentHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	component, err := h.components.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, component)
}
