package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/tracing"
)

const changeRequestsTable = "change_requests"

var changeRequestStruct = database.NewStruct(new(models.ChangeRequest))

// RequestRepository handles database operations for change requests
type RequestRepository struct {
	*Repository
}

// NewRequestRepository creates a new change request repository
func NewRequestRepository(db database.DB, logger ectologger.Logger) *RequestRepository {
	return &RequestRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new change request in the Draft state
func (r *RequestRepository) Create(ctx context.Context, request *models.ChangeRequest) error {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.Create")
	defer span.End()

	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	request.State = models.RequestStateDraft

	ib := database.NewInsertBuilder()
	ib.InsertInto(changeRequestsTable).
		Cols("id", "title", "body", "contributor", "state", "processing", "build_order",
			"external_reference", "wait_for_request_id", "close_reason", "created_at", "updated_at").
		Values(request.ID, request.Title, request.Body, request.Contributor, request.State, false,
			request.BuildOrder, request.ExternalReference, request.WaitForRequestID, nil,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&request.CreatedAt, &request.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"title": request.Title,
		}).Error("failed to create change request")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create change request")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"change_request_id": request.ID,
	}).Debugf("Created %s", changeRequestsTable)
	return nil
}

// GetByID retrieves a change request by ID
func (r *RequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.GetByID")
	defer span.End()

	sb := changeRequestStruct.SelectFrom(changeRequestsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var request models.ChangeRequest
	err := r.DB().GetContext(ctx, &request, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "change request %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": id,
		}).Error("failed to get change request")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get change request")
	}

	return &request, nil
}

// GetByExternalReference retrieves a change request by its external reference,
// e.g. "github:pr:42".
func (r *RequestRepository) GetByExternalReference(ctx context.Context, ref string) (*models.ChangeRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.GetByExternalReference")
	defer span.End()

	sb := changeRequestStruct.SelectFrom(changeRequestsTable)
	sb.Where(sb.Equal("external_reference", ref))

	query, args := sb.Build()
	var request models.ChangeRequest
	err := r.DB().GetContext(ctx, &request, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no change request references '%s'", ref)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_reference": ref,
		}).Error("failed to get change request by external reference")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get change request by external reference")
	}

	return &request, nil
}

// ListByState retrieves all change requests in a state, oldest first
func (r *RequestRepository) ListByState(ctx context.Context, state models.ChangeRequestState) ([]models.ChangeRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.ListByState")
	defer span.End()

	sb := changeRequestStruct.SelectFrom(changeRequestsTable)
	sb.Where(sb.Equal("state", state))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var requests []models.ChangeRequest
	err := r.DB().SelectContext(ctx, &requests, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"state": state,
		}).Error("failed to list change requests")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list change requests")
	}

	return requests, nil
}

// ListWaitingOn retrieves the change requests queued directly behind a parent
// request, oldest first.
func (r *RequestRepository) ListWaitingOn(ctx context.Context, parentID uuid.UUID) ([]models.ChangeRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.ListWaitingOn")
	defer span.End()

	sb := changeRequestStruct.SelectFrom(changeRequestsTable)
	sb.Where(sb.Equal("wait_for_request_id", parentID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var requests []models.ChangeRequest
	err := r.DB().SelectContext(ctx, &requests, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"parent_request_id": parentID,
		}).Error("failed to list waiting change requests")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list waiting change requests")
	}

	return requests, nil
}

// TransitionState moves a change request from one state to another, guarded
// by the expected current state. Returns models.ErrInvalidTransition when the
// request is no longer in the expected state. The close reason is stored on
// transitions into Closed and cleared otherwise.
func (r *RequestRepository) TransitionState(ctx context.Context, id uuid.UUID, from, to models.ChangeRequestState, closeReason *string) error {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.TransitionState")
	defer span.End()

	if !from.CanTransition(to) {
		return models.ErrInvalidTransition
	}

	ub := database.NewUpdateBuilder()
	ub.Update(changeRequestsTable).
		Set(
			ub.Assign("state", to),
			ub.Assign("close_reason", closeReason),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id), ub.Equal("state", from))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": id,
			"from":              from,
			"to":                to,
		}).Error("failed to transition change request")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to transition change request")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to transition change request")
	}
	if rows == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return models.ErrInvalidTransition
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"change_request_id": id,
		"from":              from,
		"to":                to,
	}).Infof("Change request transitioned to %s", to)
	return nil
}

// SetBuildOrder stores the computed build order on submission
func (r *RequestRepository) SetBuildOrder(ctx context.Context, id uuid.UUID, order []string) error {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.SetBuildOrder")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(changeRequestsTable).
		Set(
			ub.Assign("build_order", database.JSONB[[]string]{Data: order}),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": id,
		}).Error("failed to set build order")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set build order")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set build order")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "change request %s does not exist", id)
	}

	return nil
}

// SetWaitFor points a change request at the request it queues behind, or
// clears the link when parentID is nil.
func (r *RequestRepository) SetWaitFor(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.SetWaitFor")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(changeRequestsTable).
		Set(
			ub.Assign("wait_for_request_id", parentID),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": id,
		}).Error("failed to set wait-for link")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set wait-for link")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set wait-for link")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "change request %s does not exist", id)
	}

	return nil
}

// SetProcessing flips the processing flag, which marks that the dispatcher
// owns the request's build pipeline right now.
func (r *RequestRepository) SetProcessing(ctx context.Context, id uuid.UUID, processing bool) error {
	ctx, span := tracing.StartSpan(ctx, "RequestRepository.SetProcessing")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(changeRequestsTable).
		Set(
			ub.Assign("processing", processing),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": id,
		}).Error("failed to set processing flag")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set processing flag")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to set processing flag")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "change request %s does not exist", id)
	}

	return nil
}
