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

const gatesTable = "gates"

var gateStruct = database.NewStruct(new(models.Gate))

// GateRepository handles database operations for gates
type GateRepository struct {
	*Repository
}

// NewGateRepository creates a new gate repository
func NewGateRepository(db database.DB, logger ectologger.Logger) *GateRepository {
	return &GateRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new gate
func (r *GateRepository) Create(ctx context.Context, gate *models.Gate) error {
	ctx, span := tracing.StartSpan(ctx, "GateRepository.Create")
	defer span.End()

	if gate.ID == uuid.Nil {
		gate.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(gatesTable).
		Cols("id", "name", "version", "branch", "ref", "publisher", "transforms", "created_at", "updated_at").
		Values(gate.ID, gate.Name, gate.Version, gate.Branch, gate.Ref, gate.Publisher, gate.Transforms,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&gate.CreatedAt, &gate.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_name": gate.Name,
		}).Error("failed to create gate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create gate")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"gate_id": gate.ID,
	}).Debugf("Created %s", gatesTable)
	return nil
}

// GetByID retrieves a gate by ID
func (r *GateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Gate, error) {
	ctx, span := tracing.StartSpan(ctx, "GateRepository.GetByID")
	defer span.End()

	sb := gateStruct.SelectFrom(gatesTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var gate models.Gate
	err := r.DB().GetContext(ctx, &gate, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "gate %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_id": id,
		}).Error("failed to get gate by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get gate by ID")
	}

	return &gate, nil
}

// GetByName retrieves a gate by its name and branch
func (r *GateRepository) GetByName(ctx context.Context, name string, branch string) (*models.Gate, error) {
	ctx, span := tracing.StartSpan(ctx, "GateRepository.GetByName")
	defer span.End()

	sb := gateStruct.SelectFrom(gatesTable)
	sb.Where(sb.Equal("name", name), sb.Equal("branch", branch))

	query, args := sb.Build()
	var gate models.Gate
	err := r.DB().GetContext(ctx, &gate, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "gate '%s' on branch '%s' does not exist", name, branch)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_name":   name,
			"gate_branch": branch,
		}).Error("failed to get gate by name")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get gate by name")
	}

	return &gate, nil
}

// List retrieves all gates ordered by name and branch
func (r *GateRepository) List(ctx context.Context) ([]models.Gate, error) {
	ctx, span := tracing.StartSpan(ctx, "GateRepository.List")
	defer span.End()

	sb := gateStruct.SelectFrom(gatesTable)
	sb.OrderBy("name", "branch")

	query, args := sb.Build()
	var gates []models.Gate
	err := r.DB().SelectContext(ctx, &gates, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list gates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list gates")
	}

	return gates, nil
}

// Update updates a gate's mutable fields
func (r *GateRepository) Update(ctx context.Context, gate *models.Gate) error {
	ctx, span := tracing.StartSpan(ctx, "GateRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(gatesTable).
		Set(
			ub.Assign("version", gate.Version),
			ub.Assign("ref", gate.Ref),
			ub.Assign("publisher", gate.Publisher),
			ub.Assign("transforms", gate.Transforms),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", gate.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&gate.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "gate %s does not exist", gate.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_id": gate.ID,
		}).Error("failed to update gate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update gate")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"gate_id": gate.ID,
	}).Debugf("Updated %s", gatesTable)
	return nil
}

// Delete deletes a gate by ID. Fails while components still reference it.
func (r *GateRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "GateRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(gatesTable).
		Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_id": id,
		}).Error("failed to delete gate")
		return httperror.NewHTTPError(http.StatusConflict, "gate is still referenced by components")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete gate")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "gate %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"gate_id": id,
	}).Debugf("Deleted %s", gatesTable)
	return nil
}
