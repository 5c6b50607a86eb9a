package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/models"
)

// GateRepo defines the interface for gate repository operations
type GateRepo interface {
	Create(ctx context.Context, gate *models.Gate) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Gate, error)
	GetByName(ctx context.Context, name string, branch string) (*models.Gate, error)
	List(ctx context.Context) ([]models.Gate, error)
	Update(ctx context.Context, gate *models.Gate) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ComponentRepo defines the interface for component repository operations
type ComponentRepo interface {
	CreateIfAbsent(ctx context.Context, component *models.Component) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Component, error)
	GetByKey(ctx context.Context, key models.ComponentKey) (*models.Component, error)
	GetCurrent(ctx context.Context, gateID uuid.UUID, name string) (*models.Component, error)
	List(ctx context.Context, gateID uuid.UUID, includeRetired bool) ([]models.Component, error)
	UpdateGuarded(ctx context.Context, component *models.Component, expectedVersion, expectedRevision string) error
	Retire(ctx context.Context, id uuid.UUID, expectedVersion, expectedRevision string) error
	DB() database.DB
}

// ChangeRepo defines the interface for component change repository operations
type ChangeRepo interface {
	Create(ctx context.Context, change *models.ComponentChange) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ComponentChange, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.ComponentChange, error)
	UpdateDocuments(ctx context.Context, change *models.ComponentChange) error
	Delete(ctx context.Context, id uuid.UUID) error
	MarkApplied(ctx context.Context, id uuid.UUID) error
}

// RequestRepo defines the interface for change request repository operations
type RequestRepo interface {
	Create(ctx context.Context, request *models.ChangeRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error)
	GetByExternalReference(ctx context.Context, ref string) (*models.ChangeRequest, error)
	ListByState(ctx context.Context, state models.ChangeRequestState) ([]models.ChangeRequest, error)
	ListWaitingOn(ctx context.Context, parentID uuid.UUID) ([]models.ChangeRequest, error)
	TransitionState(ctx context.Context, id uuid.UUID, from, to models.ChangeRequestState, closeReason *string) error
	SetBuildOrder(ctx context.Context, id uuid.UUID, order []string) error
	SetWaitFor(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error
	SetProcessing(ctx context.Context, id uuid.UUID, processing bool) error
}

// JobRepo defines the interface for build job repository operations
type JobRepo interface {
	CreateIfAbsent(ctx context.Context, job *models.BuildJob) (*models.BuildJob, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.BuildJob, error)
	GetByComponent(ctx context.Context, requestID uuid.UUID, componentName string) (*models.BuildJob, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.BuildJob, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.BuildJobStatus, jobError *string) (bool, error)
	AbandonActive(ctx context.Context, requestID uuid.UUID) (int64, error)
	ListStaleRunning(ctx context.Context, updatedBefore time.Time) ([]models.BuildJob, error)
}
