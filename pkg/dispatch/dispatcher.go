// Package dispatch drives the build pipeline of open change requests: it
// submits build jobs to workers in dependency order, reacts to their reports
// and hands fully built requests to the apply engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/metrics"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/redis"
	"github.com/Toasterson/forge/pkg/repositories"
	"github.com/Toasterson/forge/pkg/tracing"
)

var (
	// ErrJobFailed means a build worker reported a job as failed
	ErrJobFailed = errors.New("build job failed")
	// ErrJobAbandoned means a job was abandoned because its request closed
	ErrJobAbandoned = errors.New("build job abandoned")
)

// requestLockTTL bounds how long a forge instance owns a pipeline without
// renewing; pipelines extend the lock on every job completion.
const requestLockTTL = 5 * time.Minute

// jobPollInterval is the fallback poll for job status, covering reports that
// arrived before the pipeline registered for events.
const jobPollInterval = 15 * time.Second

// JobSubmitter publishes build jobs for workers
type JobSubmitter interface {
	Publish(ctx context.Context, stream string, job *redis.BuildJobMessage) (string, error)
}

// Lock is a held distributed lock
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out per-request locks so only one instance drives a pipeline
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// RedisLocker adapts the redis locker to the Locker interface
type RedisLocker struct {
	*redis.Locker
}

func (l RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.Locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Applier commits a built change request to the catalog
type Applier interface {
	Apply(ctx context.Context, request *models.ChangeRequest) ([]models.ChangeRequest, error)
}

// EventPublisher emits change request lifecycle events
type EventPublisher interface {
	PublishCatalogEvent(ctx context.Context, event *kafka.CatalogEvent) error
}

// jobEvent is a terminal build report routed to a waiting pipeline
type jobEvent struct {
	JobID  uuid.UUID
	Status models.BuildJobStatus
	Error  string
}

// pipeline is one running build pipeline
type pipeline struct {
	requestID uuid.UUID
	events    chan jobEvent
	cancel    context.CancelFunc
}

// Config holds dispatcher configuration
type Config struct {
	JobStream string
}

// Dispatcher owns the build pipelines of open change requests
type Dispatcher struct {
	cfg      Config
	gates    repositories.GateRepo
	requests repositories.RequestRepo
	changes  repositories.ChangeRepo
	jobs     repositories.JobRepo
	submit   JobSubmitter
	locker   Locker
	applier  Applier
	events   EventPublisher
	logger   ectologger.Logger

	mu        sync.Mutex
	pipelines map[uuid.UUID]*pipeline
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	cfg Config,
	gates repositories.GateRepo,
	requests repositories.RequestRepo,
	changes repositories.ChangeRepo,
	jobs repositories.JobRepo,
	submit JobSubmitter,
	locker Locker,
	applier Applier,
	events EventPublisher,
	logger ectologger.Logger,
) *Dispatcher {
	if cfg.JobStream == "" {
		cfg.JobStream = redis.DefaultJobStream
	}
	return &Dispatcher{
		cfg:       cfg,
		gates:     gates,
		requests:  requests,
		changes:   changes,
		jobs:      jobs,
		submit:    submit,
		locker:    locker,
		applier:   applier,
		events:    events,
		logger:    logger,
		pipelines: make(map[uuid.UUID]*pipeline),
	}
}

// Start resumes the pipelines of requests that were Open when the previous
// instance stopped, then keeps accepting launches until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.baseCtx = ctx
	d.cancel = cancel

	open, err := d.requests.ListByState(ctx, models.RequestStateOpen)
	if err != nil {
		return err
	}
	for _, request := range open {
		d.Launch(request.ID)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"resumed": len(open),
	}).Info("Dispatcher started")
	return nil
}

// Stop cancels all pipelines and waits for them to wind down. Jobs already
// handed to workers keep running; their reports are applied on resume.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Launch starts the build pipeline for a change request unless one is
// already running in this instance.
func (d *Dispatcher) Launch(requestID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, running := d.pipelines[requestID]; running {
		return
	}
	if d.baseCtx == nil {
		d.baseCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	p := &pipeline{
		requestID: requestID,
		events:    make(chan jobEvent, 64),
		cancel:    cancel,
	}
	d.pipelines[requestID] = p
	metrics.PipelinesActive.Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.removePipeline(requestID)
		d.run(ctx, p)
	}()
}

// Notify routes a terminal build report to the pipeline waiting on it.
// Returns false when no pipeline for the request runs in this instance.
func (d *Dispatcher) Notify(requestID uuid.UUID, evt jobEvent) bool {
	d.mu.Lock()
	p, ok := d.pipelines[requestID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case p.events <- evt:
	default:
		d.logger.WithFields(map[string]any{
			"change_request_id": requestID,
			"job_id":            evt.JobID,
		}).Warn("Pipeline event channel full, dropping notification")
	}
	return true
}

// NotifyReport persists a build report's job status and wakes the pipeline.
// Used by the report consumer for terminal reports.
func (d *Dispatcher) NotifyReport(ctx context.Context, job *models.BuildJob, status models.BuildJobStatus, jobError *string) error {
	moved, err := d.jobs.SetStatus(ctx, job.ID, status, jobError)
	if err != nil {
		return err
	}
	if !moved {
		// Duplicate or late report; the job already reached a terminal
		// status and the pipeline has seen it.
		return nil
	}
	metrics.RecordBuildJob(string(status), time.Since(job.CreatedAt).Seconds())

	evt := jobEvent{JobID: job.ID, Status: status}
	if jobError != nil {
		evt.Error = *jobError
	}
	d.Notify(job.ChangeRequestID, evt)
	return nil
}

// Cancel closes an Open change request: active jobs are abandoned, the
// pipeline stops and a closed event is emitted.
func (d *Dispatcher) Cancel(ctx context.Context, requestID uuid.UUID, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatcher.Cancel")
	defer span.End()

	if err := d.requests.TransitionState(ctx, requestID, models.RequestStateOpen, models.RequestStateClosed, &reason); err != nil {
		return err
	}
	metrics.RecordTransition(string(models.RequestStateClosed))

	if _, err := d.jobs.AbandonActive(ctx, requestID); err != nil {
		d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"change_request_id": requestID,
		}).Error("Failed to abandon jobs of cancelled request")
	}

	d.stopPipeline(requestID)

	if err := d.events.PublishCatalogEvent(ctx, &kafka.CatalogEvent{
		EventType:       kafka.EventRequestClosed,
		ChangeRequestID: requestID.String(),
	}); err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to publish closed event")
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"change_request_id": requestID,
		"reason":            reason,
	}).Info("Change request cancelled")
	return nil
}

func (d *Dispatcher) removePipeline(requestID uuid.UUID) {
	d.mu.Lock()
	if _, ok := d.pipelines[requestID]; ok {
		delete(d.pipelines, requestID)
		metrics.PipelinesActive.Dec()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) stopPipeline(requestID uuid.UUID) {
	d.mu.Lock()
	p, ok := d.pipelines[requestID]
	d.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// run drives one request's pipeline to completion: submit jobs in build
// order, await their reports, then apply.
func (d *Dispatcher) run(ctx context.Context, p *pipeline) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatcher.run")
	defer span.End()

	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"change_request_id": p.requestID,
	})

	lock, err := d.locker.Acquire(ctx, "request:"+p.requestID.String(), requestLockTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			log.Debug("Pipeline already owned by another instance")
		} else {
			log.WithError(err).Error("Failed to acquire pipeline lock")
		}
		return
	}
	defer lock.Release(context.WithoutCancel(ctx))

	request, err := d.requests.GetByID(ctx, p.requestID)
	if err != nil {
		log.WithError(err).Error("Failed to load change request")
		return
	}
	if request.State != models.RequestStateOpen {
		log.Debugf("Request is %s, nothing to do", request.State)
		return
	}

	// The in-memory lifecycle couples the request's state to its in-flight
	// job count; the persisted processing flag only ever mirrors it.
	lifecycle := models.NewLifecycle(request.State)
	syncProcessing := func(ctx context.Context) {
		if err := d.requests.SetProcessing(ctx, p.requestID, lifecycle.Processing()); err != nil {
			log.WithError(err).Error("Failed to sync processing flag")
		}
	}
	defer syncProcessing(context.WithoutCancel(ctx))

	changes, err := d.changes.ListByRequest(ctx, p.requestID)
	if err != nil {
		log.WithError(err).Error("Failed to load change set")
		return
	}
	byName := make(map[string]*models.ComponentChange, len(changes))
	for i := range changes {
		byName[changes[i].Name] = &changes[i]
	}

	for _, name := range request.BuildOrder.GetValue() {
		change, ok := byName[name]
		if !ok {
			log.Warnf("Build order names '%s' but the change set has no such change", name)
			continue
		}
		// Removals have nothing to build
		if change.Kind == models.ChangeKindRemoved {
			continue
		}

		if err := lifecycle.JobStarted(); err != nil {
			log.WithError(err).Error("Request left the open state mid-pipeline")
			return
		}
		syncProcessing(ctx)

		status, jobErr, err := d.buildComponent(ctx, p, request, change)
		lifecycle.JobFinished()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.WithError(err).WithFields(map[string]any{
					"component_name": name,
				}).Error("Pipeline error")
			}
			return
		}

		switch status {
		case models.JobStatusSucceeded:
			if err := lock.Extend(ctx, requestLockTTL); err != nil {
				log.WithError(err).Warn("Failed to extend pipeline lock")
			}
		case models.JobStatusFailed:
			if err := lifecycle.Transition(models.RequestStateClosed); err != nil {
				log.WithError(err).Error("Cannot close request with a job still in flight")
				return
			}
			reason := fmt.Sprintf("build of '%s' failed: %s", name, jobErr)
			if err := d.Cancel(ctx, p.requestID, reason); err != nil {
				log.WithError(err).Error("Failed to close request after build failure")
			}
			return
		case models.JobStatusAbandoned:
			// Cancelled out from under us; mirror the close locally so the
			// deferred sync cannot leave a closed request marked processing.
			_ = lifecycle.Transition(models.RequestStateClosed)
			log.Infof("Job for '%s' abandoned, pipeline stops", name)
			return
		}
	}

	d.finish(ctx, request, lifecycle, log)
}

// buildComponent submits one component's job (idempotently) and waits for a
// terminal status.
func (d *Dispatcher) buildComponent(ctx context.Context, p *pipeline, request *models.ChangeRequest, change *models.ComponentChange) (models.BuildJobStatus, string, error) {
	job, fresh, err := d.jobs.CreateIfAbsent(ctx, &models.BuildJob{
		ChangeRequestID: request.ID,
		ComponentID:     change.ComponentID,
		ComponentName:   change.Name,
	})
	if err != nil {
		return "", "", err
	}

	if job.Status.Terminal() {
		var jobErr string
		if job.Error != nil {
			jobErr = *job.Error
		}
		return job.Status, jobErr, nil
	}

	// A pending job that is not fresh was created before a restart and may
	// never have reached the stream; resubmitting is safe because workers
	// dedupe on job id.
	if fresh || job.Status == models.JobStatusPending {
		msg, err := d.jobMessage(ctx, job, change)
		if err != nil {
			return "", "", err
		}
		if _, err := d.submit.Publish(ctx, d.cfg.JobStream, msg); err != nil {
			return "", "", err
		}
	}

	return d.awaitJob(ctx, p, job.ID)
}

// jobMessage assembles the wire message for a job, bundling the gate
// transforms so workers need no catalog access.
func (d *Dispatcher) jobMessage(ctx context.Context, job *models.BuildJob, change *models.ComponentChange) (*redis.BuildJobMessage, error) {
	msg := &redis.BuildJobMessage{
		ID:              job.ID.String(),
		ChangeRequestID: job.ChangeRequestID.String(),
		ComponentName:   change.Name,
		Version:         change.Version,
		Revision:        change.Revision,
		Recipe:          change.Recipe.GetValue(),
		Patches:         change.Patches.GetValue(),
		Scripts:         change.Scripts.GetValue(),
	}

	if change.GateID != nil {
		gate, err := d.gates.GetByID(ctx, *change.GateID)
		if err != nil {
			return nil, err
		}
		msg.GateName = gate.Name
		msg.GateBranch = gate.Branch
		msg.Transforms = gate.Transforms.GetValue()
	}

	return msg, nil
}

// awaitJob blocks until the job reaches a terminal status, via pipeline
// events or the poll fallback.
func (d *Dispatcher) awaitJob(ctx context.Context, p *pipeline, jobID uuid.UUID) (models.BuildJobStatus, string, error) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()

		case evt := <-p.events:
			if evt.JobID != jobID || !evt.Status.Terminal() {
				continue
			}
			return evt.Status, evt.Error, nil

		case <-ticker.C:
			job, err := d.jobs.GetByID(ctx, jobID)
			if err != nil {
				return "", "", err
			}
			if job.Status.Terminal() {
				var jobErr string
				if job.Error != nil {
					jobErr = *job.Error
				}
				return job.Status, jobErr, nil
			}
		}
	}
}

// finish applies a fully built request, unless it still waits on its parent,
// and wakes the requests queued behind it.
func (d *Dispatcher) finish(ctx context.Context, request *models.ChangeRequest, lifecycle *models.Lifecycle, log ectologger.Logger) {
	if request.WaitForRequestID != nil {
		parent, err := d.requests.GetByID(ctx, *request.WaitForRequestID)
		if err != nil {
			log.WithError(err).Error("Failed to load wait-for parent")
			return
		}
		if parent.State != models.RequestStateApplied {
			// Fully built but queued; the parent's apply wakes us.
			log.WithFields(map[string]any{
				"parent_request_id": parent.ID,
				"parent_state":      parent.State,
			}).Info("Request built, waiting on parent")
			return
		}
	}

	if err := lifecycle.Transition(models.RequestStateApplied); err != nil {
		log.WithError(err).Error("Request cannot be applied in its current lifecycle")
		return
	}

	dependants, err := d.applier.Apply(ctx, request)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateComponent) || errors.Is(err, models.ErrStaleTarget) || repositories.IsNotFound(err) {
			reason := fmt.Sprintf("apply aborted: %s", err)
			if cancelErr := d.Cancel(ctx, request.ID, reason); cancelErr != nil {
				log.WithError(cancelErr).Error("Failed to close request after apply abort")
			}
			return
		}
		log.WithError(err).Error("Apply failed, request stays open")
		return
	}

	for _, dependant := range dependants {
		if dependant.State == models.RequestStateOpen {
			d.Launch(dependant.ID)
		}
	}
}
