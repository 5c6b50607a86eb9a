package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/redis"
	"github.com/Toasterson/forge/pkg/repositories"
)

func testLogger() ectologger.Logger {
	zapLogger := zap.NewNop()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeGates struct{}

func (f *fakeGates) Create(context.Context, *models.Gate) error { return nil }
func (f *fakeGates) GetByID(_ context.Context, id uuid.UUID) (*models.Gate, error) {
	return &models.Gate{ID: id, Name: "userland", Branch: "main"}, nil
}
func (f *fakeGates) GetByName(context.Context, string, string) (*models.Gate, error) {
	return nil, nil
}
func (f *fakeGates) List(context.Context) ([]models.Gate, error) { return nil, nil }
func (f *fakeGates) Update(context.Context, *models.Gate) error  { return nil }
func (f *fakeGates) Delete(context.Context, uuid.UUID) error     { return nil }

type fakeRequests struct {
	mu            sync.Mutex
	requests      map[uuid.UUID]*models.ChangeRequest
	sawProcessing bool
}

func newFakeRequests(requests ...*models.ChangeRequest) *fakeRequests {
	f := &fakeRequests{requests: make(map[uuid.UUID]*models.ChangeRequest)}
	for _, r := range requests {
		f.requests[r.ID] = r
	}
	return f
}

func (f *fakeRequests) Create(context.Context, *models.ChangeRequest) error { return nil }
func (f *fakeRequests) GetByID(_ context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	request, ok := f.requests[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "change request %s does not exist", id)
	}
	clone := *request
	return &clone, nil
}
func (f *fakeRequests) GetByExternalReference(context.Context, string) (*models.ChangeRequest, error) {
	return nil, nil
}
func (f *fakeRequests) ListByState(_ context.Context, state models.ChangeRequestState) ([]models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChangeRequest
	for _, r := range f.requests {
		if r.State == state {
			out = append(out, *r)
		}
	}
	return out, nil
}
func (f *fakeRequests) ListWaitingOn(_ context.Context, parentID uuid.UUID) ([]models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChangeRequest
	for _, r := range f.requests {
		if r.WaitForRequestID != nil && *r.WaitForRequestID == parentID {
			out = append(out, *r)
		}
	}
	return out, nil
}
func (f *fakeRequests) TransitionState(_ context.Context, id uuid.UUID, from, to models.ChangeRequestState, closeReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	request, ok := f.requests[id]
	if !ok || request.State != from {
		return models.ErrInvalidTransition
	}
	request.State = to
	request.CloseReason = closeReason
	return nil
}
func (f *fakeRequests) SetBuildOrder(context.Context, uuid.UUID, []string) error { return nil }
func (f *fakeRequests) SetWaitFor(context.Context, uuid.UUID, *uuid.UUID) error  { return nil }
func (f *fakeRequests) SetProcessing(_ context.Context, id uuid.UUID, processing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if processing {
		f.sawProcessing = true
	}
	if request, ok := f.requests[id]; ok {
		request.Processing = processing
	}
	return nil
}

func (f *fakeRequests) state(id uuid.UUID) models.ChangeRequestState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[id].State
}

func (f *fakeRequests) processing(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[id].Processing
}

func (f *fakeRequests) everProcessing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sawProcessing
}

type fakeChanges struct {
	changes []models.ComponentChange
}

func (f *fakeChanges) Create(context.Context, *models.ComponentChange) error { return nil }
func (f *fakeChanges) GetByID(context.Context, uuid.UUID) (*models.ComponentChange, error) {
	return nil, nil
}
func (f *fakeChanges) ListByRequest(context.Context, uuid.UUID) ([]models.ComponentChange, error) {
	return f.changes, nil
}
func (f *fakeChanges) UpdateDocuments(context.Context, *models.ComponentChange) error { return nil }
func (f *fakeChanges) Delete(context.Context, uuid.UUID) error      { return nil }
func (f *fakeChanges) MarkApplied(context.Context, uuid.UUID) error { return nil }

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.BuildJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[uuid.UUID]*models.BuildJob)}
}

func (f *fakeJobs) CreateIfAbsent(_ context.Context, job *models.BuildJob) (*models.BuildJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.jobs {
		if existing.ChangeRequestID == job.ChangeRequestID && existing.ComponentName == job.ComponentName {
			clone := *existing
			return &clone, false, nil
		}
	}
	job.ID = uuid.New()
	job.Status = models.JobStatusPending
	f.jobs[job.ID] = job
	clone := *job
	return &clone, true, nil
}
func (f *fakeJobs) GetByID(_ context.Context, id uuid.UUID) (*models.BuildJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "build job %s does not exist", id)
	}
	clone := *job
	return &clone, nil
}
func (f *fakeJobs) GetByComponent(context.Context, uuid.UUID, string) (*models.BuildJob, error) {
	return nil, nil
}
func (f *fakeJobs) ListByRequest(_ context.Context, requestID uuid.UUID) ([]models.BuildJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BuildJob
	for _, job := range f.jobs {
		if job.ChangeRequestID == requestID {
			out = append(out, *job)
		}
	}
	return out, nil
}
func (f *fakeJobs) SetStatus(_ context.Context, id uuid.UUID, status models.BuildJobStatus, jobError *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Status = status
	job.Error = jobError
	return true, nil
}
func (f *fakeJobs) AbandonActive(_ context.Context, requestID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, job := range f.jobs {
		if job.ChangeRequestID == requestID && !job.Status.Terminal() {
			job.Status = models.JobStatusAbandoned
			count++
		}
	}
	return count, nil
}
func (f *fakeJobs) ListStaleRunning(context.Context, time.Time) ([]models.BuildJob, error) {
	return nil, nil
}

type submission struct {
	stream string
	msg    *redis.BuildJobMessage
}

type fakeSubmitter struct {
	mu   sync.Mutex
	sent []submission
}

func (f *fakeSubmitter) Publish(_ context.Context, stream string, msg *redis.BuildJobMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, submission{stream: stream, msg: msg})
	return "1-0", nil
}

func (f *fakeSubmitter) take() *submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	s := f.sent[0]
	f.sent = f.sent[1:]
	return &s
}

type fakeLock struct{}

func (fakeLock) Release(context.Context) error               { return nil }
func (fakeLock) Extend(context.Context, time.Duration) error { return nil }

type fakeLocker struct{}

func (fakeLocker) Acquire(context.Context, string, time.Duration) (Lock, error) {
	return fakeLock{}, nil
}

type fakeApplier struct {
	mu         sync.Mutex
	applied    []uuid.UUID
	dependants []models.ChangeRequest
	err        error
	requests   *fakeRequests
}

func (f *fakeApplier) Apply(ctx context.Context, request *models.ChangeRequest) ([]models.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, request.ID)
	if f.requests != nil {
		_ = f.requests.TransitionState(ctx, request.ID, models.RequestStateOpen, models.RequestStateApplied, nil)
	}
	return f.dependants, nil
}

func (f *fakeApplier) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*kafka.CatalogEvent
}

func (f *fakeEvents) PublishCatalogEvent(_ context.Context, event *kafka.CatalogEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

var (
	_ repositories.GateRepo    = (*fakeGates)(nil)
	_ repositories.RequestRepo = (*fakeRequests)(nil)
	_ repositories.ChangeRepo  = (*fakeChanges)(nil)
	_ repositories.JobRepo     = (*fakeJobs)(nil)
)

func changeFor(requestID uuid.UUID, name string, kind models.ComponentChangeKind) models.ComponentChange {
	gateID := uuid.New()
	return models.ComponentChange{
		ID:              uuid.New(),
		ChangeRequestID: requestID,
		GateID:          &gateID,
		Kind:            kind,
		Name:            name,
		Version:         "1.0.0",
		Revision:        "1",
		Recipe:          database.JSONB[map[string]any]{Data: map[string]any{"name": name}},
	}
}

func newTestDispatcher(requests *fakeRequests, changes *fakeChanges, jobs *fakeJobs, submitter *fakeSubmitter, applier *fakeApplier, events *fakeEvents) *Dispatcher {
	return NewDispatcher(
		Config{JobStream: "forge:jobs:test"},
		&fakeGates{},
		requests,
		changes,
		jobs,
		submitter,
		fakeLocker{},
		applier,
		events,
		testLogger(),
	)
}

// simulateWorker answers every submitted job with the given status
func simulateWorker(t *testing.T, d *Dispatcher, jobs *fakeJobs, submitter *fakeSubmitter, status models.BuildJobStatus, jobErr *string) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
				s := submitter.take()
				if s == nil {
					continue
				}
				jobID := uuid.MustParse(s.msg.ID)
				job, err := jobs.GetByID(context.Background(), jobID)
				if err != nil {
					continue
				}
				_ = d.NotifyReport(context.Background(), job, status, jobErr)
			}
		}
	}()
	return func() { close(done) }
}

func TestDispatcherPipeline(t *testing.T) {
	t.Run("builds in order and applies", func(t *testing.T) {
		request := &models.ChangeRequest{
			ID:          uuid.New(),
			State:       models.RequestStateOpen,
			BuildOrder:  database.JSONB[[]string]{Data: []string{"zlib", "curl"}},
			Contributor: "toasty",
		}
		requests := newFakeRequests(request)
		changes := &fakeChanges{changes: []models.ComponentChange{
			changeFor(request.ID, "curl", models.ChangeKindUpdated),
			changeFor(request.ID, "zlib", models.ChangeKindAdded),
		}}
		jobs := newFakeJobs()
		submitter := &fakeSubmitter{}
		applier := &fakeApplier{requests: requests}
		events := &fakeEvents{}

		d := newTestDispatcher(requests, changes, jobs, submitter, applier, events)
		require.NoError(t, d.Start(context.Background()))
		defer d.Stop()

		stop := simulateWorker(t, d, jobs, submitter, models.JobStatusSucceeded, nil)
		defer stop()

		require.Eventually(t, func() bool {
			return applier.appliedCount() == 1
		}, 5*time.Second, 10*time.Millisecond, "request should be applied")

		assert.Equal(t, models.RequestStateApplied, requests.state(request.ID))

		// The processing flag follows the in-flight jobs and never outlives
		// the pipeline.
		require.Eventually(t, func() bool {
			return !requests.processing(request.ID)
		}, 5*time.Second, 10*time.Millisecond, "applied request must not stay marked processing")
		assert.True(t, requests.everProcessing(), "processing flag should be raised while jobs run")

		all, err := jobs.ListByRequest(context.Background(), request.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		for _, job := range all {
			assert.Equal(t, models.JobStatusSucceeded, job.Status)
		}
	})

	t.Run("failed build closes the request", func(t *testing.T) {
		request := &models.ChangeRequest{
			ID:         uuid.New(),
			State:      models.RequestStateOpen,
			BuildOrder: database.JSONB[[]string]{Data: []string{"zlib"}},
		}
		requests := newFakeRequests(request)
		changes := &fakeChanges{changes: []models.ComponentChange{
			changeFor(request.ID, "zlib", models.ChangeKindAdded),
		}}
		jobs := newFakeJobs()
		submitter := &fakeSubmitter{}
		applier := &fakeApplier{}
		events := &fakeEvents{}

		d := newTestDispatcher(requests, changes, jobs, submitter, applier, events)
		require.NoError(t, d.Start(context.Background()))
		defer d.Stop()

		buildErr := "configure: error: zlib.h not found"
		stop := simulateWorker(t, d, jobs, submitter, models.JobStatusFailed, &buildErr)
		defer stop()

		require.Eventually(t, func() bool {
			return requests.state(request.ID) == models.RequestStateClosed
		}, 5*time.Second, 10*time.Millisecond, "request should be closed")

		require.Eventually(t, func() bool {
			return !requests.processing(request.ID)
		}, 5*time.Second, 10*time.Millisecond, "closed request must not stay marked processing")

		assert.Zero(t, applier.appliedCount())

		fetched, err := requests.GetByID(context.Background(), request.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched.CloseReason)
		assert.Contains(t, *fetched.CloseReason, "zlib")
	})

	t.Run("removals are applied without builds", func(t *testing.T) {
		request := &models.ChangeRequest{
			ID:         uuid.New(),
			State:      models.RequestStateOpen,
			BuildOrder: database.JSONB[[]string]{Data: []string{}},
		}
		requests := newFakeRequests(request)
		changes := &fakeChanges{changes: []models.ComponentChange{
			changeFor(request.ID, "obsolete/pkg", models.ChangeKindRemoved),
		}}
		jobs := newFakeJobs()
		submitter := &fakeSubmitter{}
		applier := &fakeApplier{requests: requests}
		events := &fakeEvents{}

		d := newTestDispatcher(requests, changes, jobs, submitter, applier, events)
		require.NoError(t, d.Start(context.Background()))
		defer d.Stop()

		require.Eventually(t, func() bool {
			return applier.appliedCount() == 1
		}, 5*time.Second, 10*time.Millisecond)

		all, err := jobs.ListByRequest(context.Background(), request.ID)
		require.NoError(t, err)
		assert.Empty(t, all, "removals never create build jobs")
	})

	t.Run("apply wakes dependants", func(t *testing.T) {
		parent := &models.ChangeRequest{
			ID:         uuid.New(),
			State:      models.RequestStateOpen,
			BuildOrder: database.JSONB[[]string]{Data: []string{}},
		}
		child := &models.ChangeRequest{
			ID:               uuid.New(),
			State:            models.RequestStateOpen,
			BuildOrder:       database.JSONB[[]string]{Data: []string{}},
			WaitForRequestID: &parent.ID,
		}
		requests := newFakeRequests(parent, child)
		changes := &fakeChanges{}
		jobs := newFakeJobs()
		submitter := &fakeSubmitter{}
		applier := &fakeApplier{requests: requests}
		applier.dependants = []models.ChangeRequest{*child}
		events := &fakeEvents{}

		d := newTestDispatcher(requests, changes, jobs, submitter, applier, events)
		d.baseCtx, d.cancel = context.WithCancel(context.Background())
		defer d.Stop()

		d.Launch(parent.ID)

		require.Eventually(t, func() bool {
			return applier.appliedCount() >= 2
		}, 5*time.Second, 10*time.Millisecond, "parent apply should wake the child")
	})
}

func TestDispatcherCancel(t *testing.T) {
	request := &models.ChangeRequest{
		ID:         uuid.New(),
		State:      models.RequestStateOpen,
		BuildOrder: database.JSONB[[]string]{Data: []string{"zlib"}},
	}
	requests := newFakeRequests(request)
	changes := &fakeChanges{changes: []models.ComponentChange{
		changeFor(request.ID, "zlib", models.ChangeKindAdded),
	}}
	jobs := newFakeJobs()
	submitter := &fakeSubmitter{}
	applier := &fakeApplier{}
	events := &fakeEvents{}

	d := newTestDispatcher(requests, changes, jobs, submitter, applier, events)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	// Wait for the job to be submitted, then cancel without a worker report
	require.Eventually(t, func() bool {
		submitter.mu.Lock()
		defer submitter.mu.Unlock()
		return len(submitter.sent) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Cancel(context.Background(), request.ID, "superseded by newer request"))

	assert.Equal(t, models.RequestStateClosed, requests.state(request.ID))

	all, err := jobs.ListByRequest(context.Background(), request.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.JobStatusAbandoned, all[0].Status)

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.events, 1)
	assert.Equal(t, kafka.EventRequestClosed, events.events[0].EventType)

	// Cancelling twice is an invalid transition
	err = d.Cancel(context.Background(), request.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestReportHandler(t *testing.T) {
	newHandler := func(jobs *fakeJobs) (*ReportHandler, *fakeDLQ, *Dispatcher) {
		requests := newFakeRequests()
		d := newTestDispatcher(requests, &fakeChanges{}, jobs, &fakeSubmitter{}, &fakeApplier{}, &fakeEvents{})
		dlq := &fakeDLQ{}
		return NewReportHandler(jobs, d, dlq, testLogger()), dlq, d
	}

	t.Run("malformed report goes to the DLQ and commits", func(t *testing.T) {
		handler, dlq, _ := newHandler(newFakeJobs())

		err := handler.Handle(context.Background(), &kafka.IncomingMessage{Value: []byte("not json")})

		require.NoError(t, err)
		require.Len(t, dlq.entries, 1)
		assert.Equal(t, models.DLQReasonInvalidReport, dlq.entries[0].Reason)
	})

	t.Run("unknown job goes to the DLQ and commits", func(t *testing.T) {
		handler, dlq, _ := newHandler(newFakeJobs())

		msg := &kafka.IncomingMessage{Value: []byte(`{"job_id":"` + uuid.NewString() + `","status":"succeeded"}`)}
		err := handler.Handle(context.Background(), msg)

		require.NoError(t, err)
		require.Len(t, dlq.entries, 1)
		assert.Equal(t, models.DLQReasonUnknownJob, dlq.entries[0].Reason)
	})

	t.Run("running report updates the job", func(t *testing.T) {
		jobs := newFakeJobs()
		handler, dlq, _ := newHandler(jobs)

		job, _, err := jobs.CreateIfAbsent(context.Background(), &models.BuildJob{
			ChangeRequestID: uuid.New(),
			ComponentName:   "zlib",
		})
		require.NoError(t, err)

		msg := &kafka.IncomingMessage{Value: []byte(`{"job_id":"` + job.ID.String() + `","status":"running"}`)}
		require.NoError(t, handler.Handle(context.Background(), msg))

		updated, err := jobs.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, updated.Status)
		assert.Empty(t, dlq.entries)
	})

	t.Run("duplicate terminal report is a no-op", func(t *testing.T) {
		jobs := newFakeJobs()
		handler, dlq, _ := newHandler(jobs)

		job, _, err := jobs.CreateIfAbsent(context.Background(), &models.BuildJob{
			ChangeRequestID: uuid.New(),
			ComponentName:   "zlib",
		})
		require.NoError(t, err)

		msg := &kafka.IncomingMessage{Value: []byte(`{"job_id":"` + job.ID.String() + `","status":"succeeded"}`)}
		require.NoError(t, handler.Handle(context.Background(), msg))
		require.NoError(t, handler.Handle(context.Background(), msg))

		updated, err := jobs.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, updated.Status)
		assert.Empty(t, dlq.entries)
	})
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []*redis.DLQEntry
}

func (f *fakeDLQ) Add(_ context.Context, entry *redis.DLQEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return "1-0", nil
}
