package dispatch

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/metrics"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/redis"
	"github.com/Toasterson/forge/pkg/tracing"
)

// DeadLetter stores build reports that can never be processed
type DeadLetter interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// ReportHandler consumes build reports from workers and feeds them to the
// dispatcher. Reports are at-least-once; job status updates are idempotent so
// redelivery is harmless. Poison reports go to the DLQ and are committed.
type ReportHandler struct {
	jobs       JobStore
	dispatcher *Dispatcher
	dlq        DeadLetter
	logger     ectologger.Logger
}

// JobStore is the job lookup the report handler needs
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BuildJob, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.BuildJobStatus, jobError *string) (bool, error)
}

// NewReportHandler creates a new build report handler
func NewReportHandler(jobs JobStore, dispatcher *Dispatcher, dlq DeadLetter, logger ectologger.Logger) *ReportHandler {
	return &ReportHandler{
		jobs:       jobs,
		dispatcher: dispatcher,
		dlq:        dlq,
		logger:     logger,
	}
}

// Handle implements kafka.MessageHandler. A nil return commits the offset.
func (h *ReportHandler) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.ReportHandler.Handle")
	defer span.End()

	if err := msg.ParseReport(); err != nil {
		h.deadLetter(ctx, msg, "", "", models.DLQReasonInvalidReport, err.Error())
		return nil
	}
	report := msg.Report

	jobID, err := uuid.Parse(report.JobID)
	if err != nil {
		h.deadLetter(ctx, msg, report.JobID, report.ChangeRequestID, models.DLQReasonInvalidReport, "job_id is not a uuid")
		return nil
	}

	job, err := h.jobs.GetByID(ctx, jobID)
	if err != nil {
		if httperror.GetStatusCode(err) == http.StatusNotFound {
			h.deadLetter(ctx, msg, report.JobID, report.ChangeRequestID, models.DLQReasonUnknownJob, err.Error())
			return nil
		}
		// Transient; leave uncommitted for redelivery
		return err
	}

	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":            job.ID,
		"change_request_id": job.ChangeRequestID,
		"status":            report.Status,
	})

	metrics.RecordReport(report.Status)

	switch report.Status {
	case kafka.ReportStatusRunning:
		if _, err := h.jobs.SetStatus(ctx, job.ID, models.JobStatusRunning, nil); err != nil {
			return err
		}
		log.Debug("Build job running")
		return nil

	case kafka.ReportStatusSucceeded:
		return h.dispatcher.NotifyReport(ctx, job, models.JobStatusSucceeded, nil)

	case kafka.ReportStatusFailed:
		jobErr := report.Error
		return h.dispatcher.NotifyReport(ctx, job, models.JobStatusFailed, &jobErr)
	}

	h.deadLetter(ctx, msg, report.JobID, report.ChangeRequestID, models.DLQReasonUnknown, "unhandled report status")
	return nil
}

func (h *ReportHandler) deadLetter(ctx context.Context, msg *kafka.IncomingMessage, jobID, requestID string, reason models.DeadLetterReason, detail string) {
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": jobID,
		"reason": reason,
		"detail": detail,
	}).Warn("Dead-lettering build report")
	metrics.RecordDLQReport(string(reason))

	if _, err := h.dlq.Add(ctx, &redis.DLQEntry{
		JobID:           jobID,
		ChangeRequestID: requestID,
		RawReport:       string(msg.Value),
		Reason:          reason,
		ErrorMessage:    detail,
	}); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to dead-letter build report")
	}
}
