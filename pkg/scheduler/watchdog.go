// Package scheduler runs the background maintenance loop: it fails build jobs
// whose workers went silent and relaunches open change requests that lost
// their pipeline, for example after a restart.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/repositories"
	"github.com/Toasterson/forge/pkg/tracing"
)

// ErrWatchdogAlreadyRunning is returned when trying to start a running watchdog
var ErrWatchdogAlreadyRunning = errors.New("watchdog already running")

const (
	// DefaultPollInterval is the default interval between watchdog cycles
	DefaultPollInterval = time.Minute

	// staleJobError is recorded on jobs failed by the watchdog
	staleJobError = "build worker timed out"
)

// Pipelines is the dispatcher surface the watchdog drives
type Pipelines interface {
	Launch(requestID uuid.UUID)
	NotifyReport(ctx context.Context, job *models.BuildJob, status models.BuildJobStatus, jobError *string) error
}

// Config holds watchdog configuration
type Config struct {
	// PollInterval is how often the watchdog runs a cycle
	PollInterval time.Duration

	// StaleTimeout fails running jobs whose last update is older than this.
	// Zero disables the stale check; builds may legitimately run for hours.
	StaleTimeout time.Duration
}

// Watchdog periodically sweeps jobs and requests back into a consistent state
type Watchdog struct {
	jobs      repositories.JobRepo
	requests  repositories.RequestRepo
	pipelines Pipelines
	config    Config
	logger    ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewWatchdog creates a new watchdog
func NewWatchdog(
	jobs repositories.JobRepo,
	requests repositories.RequestRepo,
	pipelines Pipelines,
	config Config,
	logger ectologger.Logger,
) *Watchdog {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	return &Watchdog{
		jobs:      jobs,
		requests:  requests,
		pipelines: pipelines,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
}

// Start starts the watchdog loop
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatchdogAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()

	w.logger.WithContext(ctx).Infof("Starting watchdog: poll_interval=%s stale_timeout=%s",
		w.config.PollInterval, w.config.StaleTimeout)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watchdog gracefully
func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.stoppedC:
		w.logger.WithContext(ctx).Info("Watchdog stopped")
	case <-ctx.Done():
		w.logger.WithContext(ctx).Warn("Watchdog shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the watchdog is running
func (w *Watchdog) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watchdog) pollLoop(ctx context.Context) {
	defer close(w.stoppedC)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.logger.WithContext(ctx).Debug("Watchdog poll loop stopping")
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

// runCycle runs a single watchdog cycle
func (w *Watchdog) runCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Watchdog.runCycle")
	defer span.End()

	w.failStaleJobs(ctx)
	w.resumeOpenRequests(ctx)
}

// failStaleJobs fails running jobs whose worker has not reported within the
// stale timeout. The pipeline reacts to the failure the same way as to a
// worker-reported one, so the request closes cleanly.
func (w *Watchdog) failStaleJobs(ctx context.Context) {
	if w.config.StaleTimeout <= 0 {
		return
	}

	stale, err := w.jobs.ListStaleRunning(ctx, time.Now().Add(-w.config.StaleTimeout))
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("Failed to list stale jobs")
		return
	}

	for i := range stale {
		job := stale[i]
		w.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id":            job.ID,
			"change_request_id": job.ChangeRequestID,
			"component_name":    job.ComponentName,
			"last_update":       job.UpdatedAt,
		}).Warn("Failing stale build job")

		jobError := staleJobError
		if err := w.pipelines.NotifyReport(ctx, &job, models.JobStatusFailed, &jobError); err != nil {
			w.logger.WithContext(ctx).WithError(err).Errorf("Failed to fail stale job %s", job.ID)
		}
	}
}

// resumeOpenRequests relaunches pipelines for open requests. Launch is
// idempotent within an instance and the per-request lock keeps other
// instances out, so sweeping every open request is safe.
func (w *Watchdog) resumeOpenRequests(ctx context.Context) {
	open, err := w.requests.ListByState(ctx, models.RequestStateOpen)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("Failed to list open requests")
		return
	}

	for _, request := range open {
		w.pipelines.Launch(request.ID)
	}

	if len(open) > 0 {
		w.logger.WithContext(ctx).Debugf("Swept %d open requests", len(open))
	}
}
