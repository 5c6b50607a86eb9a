package apply

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Toasterson/forge/pkg/models"
)

type fakeRequests struct {
	byID map[uuid.UUID]*models.ChangeRequest
}

func (f *fakeRequests) Create(context.Context, *models.ChangeRequest) error { return nil }
func (f *fakeRequests) GetByID(_ context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	request, ok := f.byID[id]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "change request %s does not exist", id)
	}
	return request, nil
}
func (f *fakeRequests) GetByExternalReference(context.Context, string) (*models.ChangeRequest, error) {
	return nil, nil
}
func (f *fakeRequests) ListByState(context.Context, models.ChangeRequestState) ([]models.ChangeRequest, error) {
	return nil, nil
}
func (f *fakeRequests) ListWaitingOn(context.Context, uuid.UUID) ([]models.ChangeRequest, error) {
	return nil, nil
}
func (f *fakeRequests) TransitionState(context.Context, uuid.UUID, models.ChangeRequestState, models.ChangeRequestState, *string) error {
	return nil
}
func (f *fakeRequests) SetBuildOrder(context.Context, uuid.UUID, []string) error { return nil }
func (f *fakeRequests) SetWaitFor(context.Context, uuid.UUID, *uuid.UUID) error  { return nil }
func (f *fakeRequests) SetProcessing(context.Context, uuid.UUID, bool) error     { return nil }

type fakeJobs struct {
	jobs []models.BuildJob
}

func (f *fakeJobs) CreateIfAbsent(_ context.Context, job *models.BuildJob) (*models.BuildJob, bool, error) {
	return job, true, nil
}
func (f *fakeJobs) GetByID(context.Context, uuid.UUID) (*models.BuildJob, error) { return nil, nil }
func (f *fakeJobs) GetByComponent(context.Context, uuid.UUID, string) (*models.BuildJob, error) {
	return nil, nil
}
func (f *fakeJobs) ListByRequest(context.Context, uuid.UUID) ([]models.BuildJob, error) {
	return f.jobs, nil
}
func (f *fakeJobs) SetStatus(context.Context, uuid.UUID, models.BuildJobStatus, *string) (bool, error) {
	return true, nil
}
func (f *fakeJobs) AbandonActive(context.Context, uuid.UUID) (int64, error) { return 0, nil }
func (f *fakeJobs) ListStaleRunning(context.Context, time.Time) ([]models.BuildJob, error) {
	return nil, nil
}

func succeededJob(requestID uuid.UUID, name string) models.BuildJob {
	return models.BuildJob{
		ID:              uuid.New(),
		ChangeRequestID: requestID,
		ComponentName:   name,
		Status:          models.JobStatusSucceeded,
	}
}

func TestCheckPreconditions(t *testing.T) {
	ctx := context.Background()

	openRequest := func() *models.ChangeRequest {
		return &models.ChangeRequest{ID: uuid.New(), State: models.RequestStateOpen}
	}

	t.Run("open request with all builds succeeded", func(t *testing.T) {
		request := openRequest()
		engine := &Engine{
			requests: &fakeRequests{},
			jobs: &fakeJobs{jobs: []models.BuildJob{
				succeededJob(request.ID, "zlib"),
				succeededJob(request.ID, "curl"),
			}},
		}
		changes := []models.ComponentChange{
			{Name: "zlib", Kind: models.ChangeKindAdded},
			{Name: "curl", Kind: models.ChangeKindUpdated},
		}

		assert.NoError(t, engine.checkPreconditions(ctx, request, changes))
	})

	t.Run("draft request is refused", func(t *testing.T) {
		request := &models.ChangeRequest{ID: uuid.New(), State: models.RequestStateDraft}
		engine := &Engine{requests: &fakeRequests{}, jobs: &fakeJobs{}}

		err := engine.checkPreconditions(ctx, request, nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("missing build blocks apply", func(t *testing.T) {
		request := openRequest()
		engine := &Engine{
			requests: &fakeRequests{},
			jobs:     &fakeJobs{jobs: []models.BuildJob{succeededJob(request.ID, "zlib")}},
		}
		changes := []models.ComponentChange{
			{Name: "zlib", Kind: models.ChangeKindAdded},
			{Name: "curl", Kind: models.ChangeKindUpdated},
		}

		err := engine.checkPreconditions(ctx, request, changes)
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
	})

	t.Run("removals need no build", func(t *testing.T) {
		request := openRequest()
		engine := &Engine{requests: &fakeRequests{}, jobs: &fakeJobs{}}
		changes := []models.ComponentChange{
			{Name: "obsolete/pkg", Kind: models.ChangeKindRemoved},
		}

		assert.NoError(t, engine.checkPreconditions(ctx, request, changes))
	})

	t.Run("wait parent must be applied", func(t *testing.T) {
		parent := &models.ChangeRequest{ID: uuid.New(), State: models.RequestStateOpen}
		request := openRequest()
		request.WaitForRequestID = &parent.ID
		engine := &Engine{
			requests: &fakeRequests{byID: map[uuid.UUID]*models.ChangeRequest{parent.ID: parent}},
			jobs:     &fakeJobs{},
		}

		err := engine.checkPreconditions(ctx, request, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

		parent.State = models.RequestStateApplied
		assert.NoError(t, engine.checkPreconditions(ctx, request, nil))
	})
}

func TestOrderChanges(t *testing.T) {
	changes := []models.ComponentChange{
		{Name: "curl", Kind: models.ChangeKindUpdated},
		{Name: "obsolete/pkg", Kind: models.ChangeKindRemoved},
		{Name: "zlib", Kind: models.ChangeKindAdded},
	}

	// The persisted order names every change, removals included
	ordered := orderChanges([]string{"zlib", "curl", "obsolete/pkg"}, changes)

	require.Len(t, ordered, 3)
	assert.Equal(t, "zlib", ordered[0].Name)
	assert.Equal(t, "curl", ordered[1].Name)
	assert.Equal(t, "obsolete/pkg", ordered[2].Name)

	// A change the order does not mention trails the ordered ones
	ordered = orderChanges([]string{"zlib", "curl"}, changes)
	require.Len(t, ordered, 3)
	assert.Equal(t, "obsolete/pkg", ordered[2].Name)
}
