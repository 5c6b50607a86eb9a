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

const componentsTable = "components"

var componentStruct = database.NewStruct(new(models.Component))

// ComponentRepository handles database operations for catalog components
type ComponentRepository struct {
	*Repository
}

// NewComponentRepository creates a new component repository
func NewComponentRepository(db database.DB, logger ectologger.Logger) *ComponentRepository {
	return &ComponentRepository{
		Repository: NewRepository(db, logger),
	}
}

// CreateIfAbsent inserts a component if its composite key is free. Returns
// models.ErrDuplicateComponent when a row with the same
// (gate_id, name, version, revision) already exists.
func (r *ComponentRepository) CreateIfAbsent(ctx context.Context, component *models.Component) error {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.CreateIfAbsent")
	defer span.End()

	if component.ID == uuid.Nil {
		component.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(componentsTable).
		Cols("id", "name", "gate_id", "version", "revision", "recipe", "patches", "scripts", "packages",
			"anitya_id", "repology_id", "retired", "created_at", "updated_at").
		Values(component.ID, component.Name, component.GateID, component.Version, component.Revision,
			component.Recipe, component.Patches, component.Scripts, component.Packages,
			component.AnityaID, component.RepologyID, false,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing()

	query, args := ib.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"component_key": component.Key().String(),
		}).Error("failed to create component")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create component")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create component")
	}
	if rows == 0 {
		return models.ErrDuplicateComponent
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"component_id":  component.ID,
		"component_key": component.Key().String(),
	}).Debugf("Created %s", componentsTable)
	return nil
}

// GetByID retrieves a component by ID
func (r *ComponentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Component, error) {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.GetByID")
	defer span.End()

	sb := componentStruct.SelectFrom(componentsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var component models.Component
	err := r.DB().GetContext(ctx, &component, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "component %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"component_id": id,
		}).Error("failed to get component by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get component by ID")
	}

	return &component, nil
}

// GetByKey retrieves the component with the exact composite key
func (r *ComponentRepository) GetByKey(ctx context.Context, key models.ComponentKey) (*models.Component, error) {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.GetByKey")
	defer span.End()

	sb := componentStruct.SelectFrom(componentsTable)
	sb.Where(
		sb.Equal("gate_id", key.GateID),
		sb.Equal("name", key.Name),
		sb.Equal("version", key.Version),
		sb.Equal("revision", key.Revision),
	)

	query, args := sb.Build()
	var component models.Component
	err := r.DB().GetContext(ctx, &component, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "component %s does not exist", key)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"component_key": key.String(),
		}).Error("failed to get component by key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get component by key")
	}

	return &component, nil
}

// GetCurrent retrieves the newest non-retired row for a component name in a
// gate. This is the row an update change targets by default.
func (r *ComponentRepository) GetCurrent(ctx context.Context, gateID uuid.UUID, name string) (*models.Component, error) {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.GetCurrent")
	defer span.End()

	sb := componentStruct.SelectFrom(componentsTable)
	sb.Where(
		sb.Equal("gate_id", gateID),
		sb.Equal("name", name),
		sb.Equal("retired", false),
	)
	sb.OrderBy("created_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var component models.Component
	err := r.DB().GetContext(ctx, &component, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "component '%s' does not exist in gate %s", name, gateID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_id":        gateID,
			"component_name": name,
		}).Error("failed to get current component")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get current component")
	}

	return &component, nil
}

// List retrieves the components of a gate ordered by name. Retired rows are
// excluded unless includeRetired is set.
func (r *ComponentRepository) List(ctx context.Context, gateID uuid.UUID, includeRetired bool) ([]models.Component, error) {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.List")
	defer span.End()

	sb := componentStruct.SelectFrom(componentsTable)
	sb.Where(sb.Equal("gate_id", gateID))
	if !includeRetired {
		sb.Where(sb.Equal("retired", false))
	}
	sb.OrderBy("name", "created_at")

	query, args := sb.Build()
	var components []models.Component
	err := r.DB().SelectContext(ctx, &components, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"gate_id": gateID,
		}).Error("failed to list components")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list components")
	}

	return components, nil
}

// UpdateGuarded rewrites a component's documents and moves its version and
// revision, guarded by the version/revision the caller last observed. Returns
// models.ErrStaleTarget when the guard no longer matches, which means another
// change request touched the component first.
func (r *ComponentRepository) UpdateGuarded(ctx context.Context, component *models.Component, expectedVersion, expectedRevision string) error {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.UpdateGuarded")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(componentsTable).
		Set(
			ub.Assign("version", component.Version),
			ub.Assign("revision", component.Revision),
			ub.Assign("recipe", component.Recipe),
			ub.Assign("patches", component.Patches),
			ub.Assign("scripts", component.Scripts),
			ub.Assign("packages", component.Packages),
			ub.Assign("anitya_id", component.AnityaID),
			ub.Assign("repology_id", component.RepologyID),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("id", component.ID),
			ub.Equal("version", expectedVersion),
			ub.Equal("revision", expectedRevision),
			ub.Equal("retired", false),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"component_id": component.ID,
		}).Error("failed to update component")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update component")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update component")
	}
	if rows == 0 {
		return models.ErrStaleTarget
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"component_id":  component.ID,
		"component_key": component.Key().String(),
	}).Debugf("Updated %s", componentsTable)
	return nil
}

// Retire marks a component retired, guarded the same way as UpdateGuarded.
// Retired rows stay in the catalog for provenance but are excluded from
// default listings and can never be retargeted.
func (r *ComponentRepository) Retire(ctx context.Context, id uuid.UUID, expectedVersion, expectedRevision string) error {
	ctx, span := tracing.StartSpan(ctx, "ComponentRepository.Retire")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(componentsTable).
		Set(
			ub.Assign("retired", true),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("id", id),
			ub.Equal("version", expectedVersion),
			ub.Equal("revision", expectedRevision),
			ub.Equal("retired", false),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"component_id": id,
		}).Error("failed to retire component")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to retire component")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to retire component")
	}
	if rows == 0 {
		// An absent or already retired row is not-found; a live row that no
		// longer matches the expected key is stale.
		component, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if component.Retired {
			return NotFound("component %s is already retired", id)
		}
		return models.ErrStaleTarget
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"component_id": id,
	}).Debugf("Retired component")
	return nil
}
