package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/tracing"
)

const buildJobsTable = "build_jobs"

var buildJobStruct = database.NewStruct(new(models.BuildJob))

// JobRepository handles database operations for build jobs
type JobRepository struct {
	*Repository
}

// NewJobRepository creates a new build job repository
func NewJobRepository(db database.DB, logger ectologger.Logger) *JobRepository {
	return &JobRepository{
		Repository: NewRepository(db, logger),
	}
}

// CreateIfAbsent inserts a pending build job unless the request already has a
// job for the component name. The existing job is returned in that case, so
// resumed dispatch never double-submits.
func (r *JobRepository) CreateIfAbsent(ctx context.Context, job *models.BuildJob) (*models.BuildJob, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.CreateIfAbsent")
	defer span.End()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(buildJobsTable).
		Cols("id", "change_request_id", "component_id", "component_name", "status", "error", "created_at", "updated_at").
		Values(job.ID, job.ChangeRequestID, job.ComponentID, job.ComponentName, job.Status, nil,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing()

	query, args := ib.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": job.ChangeRequestID,
			"component_name":    job.ComponentName,
		}).Error("failed to create build job")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create build job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create build job")
	}
	if rows == 0 {
		existing, err := r.GetByComponent(ctx, job.ChangeRequestID, job.ComponentName)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":            job.ID,
		"change_request_id": job.ChangeRequestID,
		"component_name":    job.ComponentName,
	}).Debugf("Created %s", buildJobsTable)
	return job, true, nil
}

// GetByID retrieves a build job by ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BuildJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.GetByID")
	defer span.End()

	sb := buildJobStruct.SelectFrom(buildJobsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var job models.BuildJob
	err := r.DB().GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "build job %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
		}).Error("failed to get build job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get build job")
	}

	return &job, nil
}

// GetByComponent retrieves the request's job for a component name
func (r *JobRepository) GetByComponent(ctx context.Context, requestID uuid.UUID, componentName string) (*models.BuildJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.GetByComponent")
	defer span.End()

	sb := buildJobStruct.SelectFrom(buildJobsTable)
	sb.Where(sb.Equal("change_request_id", requestID), sb.Equal("component_name", componentName))

	query, args := sb.Build()
	var job models.BuildJob
	err := r.DB().GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no build job for component '%s' in change request %s", componentName, requestID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": requestID,
			"component_name":    componentName,
		}).Error("failed to get build job by component")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get build job by component")
	}

	return &job, nil
}

// ListByRequest retrieves all build jobs of a change request, oldest first
func (r *JobRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.BuildJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.ListByRequest")
	defer span.End()

	sb := buildJobStruct.SelectFrom(buildJobsTable)
	sb.Where(sb.Equal("change_request_id", requestID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var jobs []models.BuildJob
	err := r.DB().SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": requestID,
		}).Error("failed to list build jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list build jobs")
	}

	return jobs, nil
}

// SetStatus moves a build job to a new status. Terminal rows are never
// rewritten: a late or duplicate report finds zero rows and reports false.
func (r *JobRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.BuildJobStatus, jobError *string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.SetStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(buildJobsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("error", jobError),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("id", id),
			ub.NotIn("status", models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusAbandoned),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
			"status": status,
		}).Error("failed to set build job status")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to set build job status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to set build job status")
	}
	if rows == 0 {
		return false, nil
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": id,
		"status": status,
	}).Debugf("Build job moved to %s", status)
	return true, nil
}

// AbandonActive moves every non-terminal job of a change request to
// Abandoned. Used when a request is cancelled mid-flight.
func (r *JobRepository) AbandonActive(ctx context.Context, requestID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.AbandonActive")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(buildJobsTable).
		Set(
			ub.Assign("status", models.JobStatusAbandoned),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("change_request_id", requestID),
			ub.NotIn("status", models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusAbandoned),
		)

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": requestID,
		}).Error("failed to abandon build jobs")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to abandon build jobs")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"change_request_id": requestID,
			"count":             rows,
		}).Info("Abandoned build jobs")
	}
	return rows, nil
}

// ListStaleRunning retrieves running jobs that have not been touched since
// the cutoff. The watchdog uses this to fail jobs whose worker vanished.
func (r *JobRepository) ListStaleRunning(ctx context.Context, updatedBefore time.Time) ([]models.BuildJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.ListStaleRunning")
	defer span.End()

	sb := buildJobStruct.SelectFrom(buildJobsTable)
	sb.Where(
		sb.Equal("status", models.JobStatusRunning),
		sb.LessThan("updated_at", updatedBefore),
	)
	sb.OrderBy("updated_at")

	query, args := sb.Build()
	var jobs []models.BuildJob
	err := r.DB().SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list stale running jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stale running jobs")
	}

	return jobs, nil
}
