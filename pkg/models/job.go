package models

import (
	"time"

	"github.com/google/uuid"
)

// BuildJobStatus represents the status of a dispatched build job
type BuildJobStatus string

const (
	JobStatusPending   BuildJobStatus = "pending"
	JobStatusRunning   BuildJobStatus = "running"
	JobStatusSucceeded BuildJobStatus = "succeeded"
	JobStatusFailed    BuildJobStatus = "failed"
	// JobStatusAbandoned marks a job whose request was cancelled mid-flight,
	// as opposed to a job that broke.
	JobStatusAbandoned BuildJobStatus = "abandoned"
)

// Terminal reports whether the status is final.
func (s BuildJobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusAbandoned:
		return true
	}
	return false
}

// BuildJob is one build attempt for one component within one change request.
// ComponentID is nil while the component record does not exist yet (an Added
// change mid-creation); ComponentName always identifies the build_order slot.
type BuildJob struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	ChangeRequestID uuid.UUID      `db:"change_request_id" json:"change_request_id"`
	ComponentID     *uuid.UUID     `db:"component_id" json:"component_id,omitempty"`
	ComponentName   string         `db:"component_name" json:"component_name"`
	Status          BuildJobStatus `db:"status" json:"status"`
	Error           *string        `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (BuildJob) TableName() string {
	return "build_jobs"
}
