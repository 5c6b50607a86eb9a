package models

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/database"
)

// ErrInvalidTransition is returned when a change request state transition
// violates the lifecycle
var ErrInvalidTransition = errors.New("invalid change request state transition")

// ChangeRequestState represents the lifecycle state of a change request
type ChangeRequestState string

const (
	RequestStateDraft   ChangeRequestState = "draft"
	RequestStateOpen    ChangeRequestState = "open"
	RequestStateClosed  ChangeRequestState = "closed"
	RequestStateApplied ChangeRequestState = "applied"
)

// Valid reports whether the state is one of the known values.
func (s ChangeRequestState) Valid() bool {
	switch s {
	case RequestStateDraft, RequestStateOpen, RequestStateClosed, RequestStateApplied:
		return true
	}
	return false
}

// Terminal reports whether the state permits no further transitions.
func (s ChangeRequestState) Terminal() bool {
	return s == RequestStateClosed || s == RequestStateApplied
}

// CanTransition reports whether the transition s -> to is allowed.
// Draft -> Open, Open -> Closed, Open -> Applied; nothing leaves a terminal
// state.
func (s ChangeRequestState) CanTransition(to ChangeRequestState) bool {
	switch s {
	case RequestStateDraft:
		return to == RequestStateOpen
	case RequestStateOpen:
		return to == RequestStateClosed || to == RequestStateApplied
	}
	return false
}

// ChangeRequest is the unit of atomicity: an ordered bundle of component
// changes that is built as a whole and committed to the catalog as a whole.
// WaitForRequestID points at the single request this one queues behind, so
// the wait relation forms a parent-pointer forest.
type ChangeRequest struct {
	ID                uuid.UUID                `db:"id" json:"id"`
	Title             string                   `db:"title" json:"title"`
	Body              string                   `db:"body" json:"body"`
	Contributor       string                   `db:"contributor" json:"contributor"`
	State             ChangeRequestState       `db:"state" json:"state"`
	Processing        bool                     `db:"processing" json:"processing"`
	BuildOrder        database.JSONB[[]string] `db:"build_order" json:"build_order"`
	ExternalReference *string                  `db:"external_reference" json:"external_reference,omitempty"`
	WaitForRequestID  *uuid.UUID               `db:"wait_for_request_id" json:"wait_for_request_id,omitempty"`
	CloseReason       *string                  `db:"close_reason" json:"close_reason,omitempty"`
	CreatedAt         time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (ChangeRequest) TableName() string {
	return "change_requests"
}

// Lifecycle unifies the request state with an in-flight job counter so that
// state and the processing flag cannot disagree (no Closed-but-processing).
type Lifecycle struct {
	mu       sync.Mutex
	state    ChangeRequestState
	inFlight int
}

// NewLifecycle creates a lifecycle tracker seeded with the persisted state.
func NewLifecycle(state ChangeRequestState) *Lifecycle {
	return &Lifecycle{state: state}
}

// State returns the current state.
func (l *Lifecycle) State() ChangeRequestState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Processing reports whether the dispatcher has outstanding jobs.
func (l *Lifecycle) Processing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight > 0
}

// Transition moves the lifecycle to a new state, enforcing the state machine.
// Leaving the Open state is refused while jobs are still in flight, except to
// Closed which abandons them.
func (l *Lifecycle) Transition(to ChangeRequestState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.CanTransition(to) {
		return ErrInvalidTransition
	}
	if l.state == RequestStateOpen && to == RequestStateApplied && l.inFlight > 0 {
		return ErrInvalidTransition
	}
	if to == RequestStateClosed {
		l.inFlight = 0
	}
	l.state = to
	return nil
}

// JobStarted records an in-flight build job. Only an Open request may have
// jobs in flight.
func (l *Lifecycle) JobStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != RequestStateOpen {
		return ErrInvalidTransition
	}
	l.inFlight++
	return nil
}

// JobFinished records that a build job reached a terminal status.
func (l *Lifecycle) JobFinished() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// InFlight returns the number of outstanding jobs.
func (l *Lifecycle) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
