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

const componentChangesTable = "component_changes"

var componentChangeStruct = database.NewStruct(new(models.ComponentChange))

// ChangeRepository handles database operations for component changes
type ChangeRepository struct {
	*Repository
}

// NewChangeRepository creates a new component change repository
func NewChangeRepository(db database.DB, logger ectologger.Logger) *ChangeRepository {
	return &ChangeRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create attaches a change to a change request. Each request may carry at
// most one change per component name.
func (r *ChangeRepository) Create(ctx context.Context, change *models.ComponentChange) error {
	ctx, span := tracing.StartSpan(ctx, "ChangeRepository.Create")
	defer span.End()

	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(componentChangesTable).
		Cols("id", "change_request_id", "gate_id", "component_id", "kind", "name", "version", "revision",
			"base_version", "base_revision", "recipe", "recipe_diff", "patches", "scripts", "packages",
			"anitya_id", "repology_id", "applied", "created_at").
		Values(change.ID, change.ChangeRequestID, change.GateID, change.ComponentID, change.Kind,
			change.Name, change.Version, change.Revision, change.BaseVersion, change.BaseRevision,
			change.Recipe, change.RecipeDiff, change.Patches, change.Scripts, change.Packages,
			change.AnityaID, change.RepologyID, false, sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing()

	query, args := ib.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": change.ChangeRequestID,
			"component_name":    change.Name,
		}).Error("failed to create component change")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create component change")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create component change")
	}
	if rows == 0 {
		return Conflict("change request already contains a change for component '%s'", change.Name)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"change_id":         change.ID,
		"change_request_id": change.ChangeRequestID,
	}).Debugf("Created %s", componentChangesTable)
	return nil
}

// GetByID retrieves a component change by ID
func (r *ChangeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ComponentChange, error) {
	ctx, span := tracing.StartSpan(ctx, "ChangeRepository.GetByID")
	defer span.End()

	sb := componentChangeStruct.SelectFrom(componentChangesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var change models.ComponentChange
	err := r.DB().GetContext(ctx, &change, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "component change %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_id": id,
		}).Error("failed to get component change")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get component change")
	}

	return &change, nil
}

// ListByRequest retrieves all changes of a change request ordered by name
func (r *ChangeRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.ComponentChange, error) {
	ctx, span := tracing.StartSpan(ctx, "ChangeRepository.ListByRequest")
	defer span.End()

	sb := componentChangeStruct.SelectFrom(componentChangesTable)
	sb.Where(sb.Equal("change_request_id", requestID))
	sb.OrderBy("name")

	query, args := sb.Build()
	var changes []models.ComponentChange
	err := r.DB().SelectContext(ctx, &changes, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": requestID,
		}).Error("failed to list component changes")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list component changes")
	}

	return changes, nil
}

// Delete removes a change from its request. Legal only while the request is
// still a draft; the service layer enforces that.
func (r *ChangeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ChangeRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(componentChangesTable).
		Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_id": id,
		}).Error("failed to delete component change")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete component change")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete component change")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "component change %s does not exist", id)
	}

	return nil
}

// UpdateDocuments replaces the opaque document columns of a draft change,
// used when file references are attached before submission. The service layer
// guarantees the owning request is still a draft.
func (r *ChangeRepository) UpdateDocuments(ctx context.Context, change *models.ComponentChange) error {
	ctx, span := tracing.StartSpan(ctx, "ChangeRepository.UpdateDocuments")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(componentChangesTable).
		Set(
			ub.Assign("recipe", change.Recipe),
			ub.Assign("patches", change.Patches),
			ub.Assign("scripts", change.Scripts),
			ub.Assign("packages", change.Packages),
		).
		Where(ub.Equal("id", change.ID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_id": change.ID,
		}).Error("failed to update component change documents")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update component change documents")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update component change documents")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "component change %s does not exist", change.ID)
	}

	return nil
}

// MarkApplied flips the applied flag on a change once its delta is in the
// catalog. Runs inside the apply transaction.
func (r *ChangeRepository) MarkApplied(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ChangeRepository.MarkApplied")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(componentChangesTable).
		Set(ub.Assign("applied", true)).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_id": id,
		}).Error("failed to mark component change applied")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark component change applied")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark component change applied")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "component change %s does not exist", id)
	}

	return nil
}
