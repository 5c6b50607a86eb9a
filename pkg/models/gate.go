package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/database"
)

// Gate is a named, versioned, branched collection of components that share
// build-wide transform rules. The transform set is an opaque ordered document
// applied uniformly to all member components at build time.
type Gate struct {
	ID         uuid.UUID                    `db:"id" json:"id"`
	Name       string                       `db:"name" json:"name"`
	Version    string                       `db:"version" json:"version"`
	Branch     string                       `db:"branch" json:"branch"`
	Ref        string                       `db:"ref" json:"ref"`
	Publisher  string                       `db:"publisher" json:"publisher"`
	Transforms database.JSONB[[]map[string]any] `db:"transforms" json:"transforms"`
	CreatedAt  time.Time                    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time                    `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Gate) TableName() string {
	return "gates"
}
