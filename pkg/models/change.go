package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/database"
)

// ComponentChangeKind classifies a proposed catalog delta
type ComponentChangeKind string

const (
	ChangeKindAdded   ComponentChangeKind = "added"
	ChangeKindUpdated ComponentChangeKind = "updated"
	ChangeKindRemoved ComponentChangeKind = "removed"
)

// Valid reports whether the kind is one of the known values.
func (k ComponentChangeKind) Valid() bool {
	switch k {
	case ChangeKindAdded, ChangeKindUpdated, ChangeKindRemoved:
		return true
	}
	return false
}

// ComponentChange is an immutable proposed delta against the catalog, owned by
// exactly one change request. For Updated/Removed it references the component
// it targets via ComponentID, with BaseVersion/BaseRevision snapshotting the
// target's key at draft time; apply refuses the change when the catalog moved
// past that snapshot. For Added the target does not exist yet.
// The recipe/diff documents are opaque snapshots of the proposed state.
type ComponentChange struct {
	ID              uuid.UUID                      `db:"id" json:"id"`
	ChangeRequestID uuid.UUID                      `db:"change_request_id" json:"change_request_id"`
	GateID          *uuid.UUID                     `db:"gate_id" json:"gate_id,omitempty"`
	ComponentID     *uuid.UUID                     `db:"component_id" json:"component_id,omitempty"`
	Kind            ComponentChangeKind            `db:"kind" json:"kind"`
	Name            string                         `db:"name" json:"name"`
	Version         string                         `db:"version" json:"version"`
	Revision        string                         `db:"revision" json:"revision"`
	BaseVersion     string                         `db:"base_version" json:"base_version,omitempty"`
	BaseRevision    string                         `db:"base_revision" json:"base_revision,omitempty"`
	Recipe          database.JSONB[map[string]any] `db:"recipe" json:"recipe"`
	RecipeDiff      database.JSONB[map[string]any] `db:"recipe_diff" json:"recipe_diff,omitempty"`
	Patches         database.JSONB[[]string]       `db:"patches" json:"patches"`
	Scripts         database.JSONB[[]string]       `db:"scripts" json:"scripts"`
	Packages        database.JSONB[[]string]       `db:"packages" json:"packages"`
	AnityaID        *string                        `db:"anitya_id" json:"anitya_id,omitempty"`
	RepologyID      *string                        `db:"repology_id" json:"repology_id,omitempty"`
	Applied         bool                           `db:"applied" json:"applied"`
	CreatedAt       time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ComponentChange) TableName() string {
	return "component_changes"
}
