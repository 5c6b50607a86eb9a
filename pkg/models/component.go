package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/database"
)

// ComponentKey is the composite identity of a component. The tuple is
// immutable once created; a new version or revision is always a new key.
type ComponentKey struct {
	Name     string    `json:"name"`
	GateID   uuid.UUID `json:"gate_id"`
	Version  string    `json:"version"`
	Revision string    `json:"revision"`
}

// String renders the human-facing name@version-revision form.
func (k ComponentKey) String() string {
	return fmt.Sprintf("%s@%s-%s", k.Name, k.Version, k.Revision)
}

// Component is one buildable unit inside a gate. The recipe, patch set and
// script set are opaque documents to the orchestration core; only the declared
// dependency list inside the recipe is read (see pkg/recipe).
type Component struct {
	ID         uuid.UUID                      `db:"id" json:"id"`
	Name       string                         `db:"name" json:"name"`
	GateID     uuid.UUID                      `db:"gate_id" json:"gate_id"`
	Version    string                         `db:"version" json:"version"`
	Revision   string                         `db:"revision" json:"revision"`
	Recipe     database.JSONB[map[string]any] `db:"recipe" json:"recipe"`
	Patches    database.JSONB[[]string]       `db:"patches" json:"patches"`
	Scripts    database.JSONB[[]string]       `db:"scripts" json:"scripts"`
	Packages   database.JSONB[[]string]       `db:"packages" json:"packages"`
	AnityaID   *string                        `db:"anitya_id" json:"anitya_id,omitempty"`
	RepologyID *string                        `db:"repology_id" json:"repology_id,omitempty"`
	Retired    bool                           `db:"retired" json:"retired"`
	CreatedAt  time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time                      `db:"updated_at" json:"updated_at"`
}

// Key returns the composite identity of the component.
func (c *Component) Key() ComponentKey {
	return ComponentKey{
		Name:     c.Name,
		GateID:   c.GateID,
		Version:  c.Version,
		Revision: c.Revision,
	}
}

// TableName returns the database table name
func (Component) TableName() string {
	return "components"
}
