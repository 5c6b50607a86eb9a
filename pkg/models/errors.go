package models

import "errors"

var (
	// ErrDuplicateComponent is returned when an insert targets a component
	// key that already exists in the catalog.
	ErrDuplicateComponent = errors.New("component key already exists")

	// ErrStaleTarget is returned when an update's expected version and
	// revision no longer match the catalog row.
	ErrStaleTarget = errors.New("component was modified since the change was drafted")
)
