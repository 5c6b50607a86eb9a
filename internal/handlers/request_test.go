package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/middleware"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/repositories"
)

type fakeRequestStore struct {
	rows map[uuid.UUID]*models.ChangeRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{rows: make(map[uuid.UUID]*models.ChangeRequest)}
}

func (f *fakeRequestStore) Create(ctx context.Context, request *models.ChangeRequest) error {
	if request.State == "" {
		request.State = models.RequestStateDraft
	}
	request.CreatedAt = time.Now()
	copied := *request
	f.rows[request.ID] = &copied
	return nil
}

func (f *fakeRequestStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repositories.NotFound("change request %s not found", id)
	}
	copied := *row
	return &copied, nil
}

func (f *fakeRequestStore) GetByExternalReference(ctx context.Context, ref string) (*models.ChangeRequest, error) {
	for _, row := range f.rows {
		if row.ExternalReference != nil && *row.ExternalReference == ref {
			copied := *row
			return &copied, nil
		}
	}
	return nil, repositories.NotFound("change request with reference '%s' not found", ref)
}

func (f *fakeRequestStore) ListByState(ctx context.Context, state models.ChangeRequestState) ([]models.ChangeRequest, error) {
	var out []models.ChangeRequest
	for _, row := range f.rows {
		if row.State == state {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeRequestStore) ListWaitingOn(ctx context.Context, parentID uuid.UUID) ([]models.ChangeRequest, error) {
	var out []models.ChangeRequest
	for _, row := range f.rows {
		if row.WaitForRequestID != nil && *row.WaitForRequestID == parentID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeRequestStore) TransitionState(ctx context.Context, id uuid.UUID, from, to models.ChangeRequestState, closeReason *string) error {
	row, ok := f.rows[id]
	if !ok {
		return repositories.NotFound("change request %s not found", id)
	}
	if row.State != from {
		return models.ErrInvalidTransition
	}
	row.State = to
	row.CloseReason = closeReason
	return nil
}

func (f *fakeRequestStore) SetBuildOrder(ctx context.Context, id uuid.UUID, order []string) error {
	row, ok := f.rows[id]
	if !ok {
		return repositories.NotFound("change request %s not found", id)
	}
	row.BuildOrder = database.JSONB[[]string]{Data: order}
	return nil
}

func (f *fakeRequestStore) SetWaitFor(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	row, ok := f.rows[id]
	if !ok {
		return repositories.NotFound("change request %s not found", id)
	}
	row.WaitForRequestID = parentID
	return nil
}

func (f *fakeRequestStore) SetProcessing(ctx context.Context, id uuid.UUID, processing bool) error {
	return nil
}

type fakeChangeStore struct {
	rows map[uuid.UUID]*models.ComponentChange
}

func newFakeChangeStore() *fakeChangeStore {
	return &fakeChangeStore{rows: make(map[uuid.UUID]*models.ComponentChange)}
}

func (f *fakeChangeStore) Create(ctx context.Context, change *models.ComponentChange) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	copied := *change
	f.rows[change.ID] = &copied
	return nil
}

func (f *fakeChangeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ComponentChange, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repositories.NotFound("component change %s not found", id)
	}
	copied := *row
	return &copied, nil
}

func (f *fakeChangeStore) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.ComponentChange, error) {
	var out []models.ComponentChange
	for _, row := range f.rows {
		if row.ChangeRequestID == requestID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeChangeStore) UpdateDocuments(ctx context.Context, change *models.ComponentChange) error {
	row, ok := f.rows[change.ID]
	if !ok {
		return repositories.NotFound("component change %s not found", change.ID)
	}
	row.Recipe = change.Recipe
	row.Patches = change.Patches
	row.Scripts = change.Scripts
	row.Packages = change.Packages
	return nil
}

func (f *fakeChangeStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.rows[id]; !ok {
		return repositories.NotFound("component change %s not found", id)
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeChangeStore) MarkApplied(ctx context.Context, id uuid.UUID) error { return nil }

type fakeComponentStore struct {
	current map[string]*models.Component
}

func newFakeComponentStore() *fakeComponentStore {
	return &fakeComponentStore{current: make(map[string]*models.Component)}
}

func (f *fakeComponentStore) put(component *models.Component) {
	f.current[component.GateID.String()+"/"+component.Name] = component
}

func (f *fakeComponentStore) CreateIfAbsent(ctx context.Context, component *models.Component) error {
	return nil
}

func (f *fakeComponentStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Component, error) {
	for _, row := range f.current {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, repositories.NotFound("component %s not found", id)
}

func (f *fakeComponentStore) GetByKey(ctx context.Context, key models.ComponentKey) (*models.Component, error) {
	return nil, repositories.NotFound("component %s not found", key)
}

func (f *fakeComponentStore) GetCurrent(ctx context.Context, gateID uuid.UUID, name string) (*models.Component, error) {
	row, ok := f.current[gateID.String()+"/"+name]
	if !ok {
		return nil, repositories.NotFound("component '%s' not found in gate %s", name, gateID)
	}
	return row, nil
}

func (f *fakeComponentStore) List(ctx context.Context, gateID uuid.UUID, includeRetired bool) ([]models.Component, error) {
	return nil, nil
}

func (f *fakeComponentStore) UpdateGuarded(ctx context.Context, component *models.Component, expectedVersion, expectedRevision string) error {
	return nil
}

func (f *fakeComponentStore) Retire(ctx context.Context, id uuid.UUID, expectedVersion, expectedRevision string) error {
	return nil
}

func (f *fakeComponentStore) DB() database.DB { return nil }

type fakeGateStore struct {
	rows map[uuid.UUID]*models.Gate
}

func newFakeGateStore() *fakeGateStore {
	return &fakeGateStore{rows: make(map[uuid.UUID]*models.Gate)}
}

func (f *fakeGateStore) Create(ctx context.Context, gate *models.Gate) error {
	f.rows[gate.ID] = gate
	return nil
}

func (f *fakeGateStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Gate, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repositories.NotFound("gate %s not found", id)
	}
	return row, nil
}

func (f *fakeGateStore) GetByName(ctx context.Context, name string, branch string) (*models.Gate, error) {
	return nil, repositories.NotFound("gate '%s' not found", name)
}

func (f *fakeGateStore) List(ctx context.Context) ([]models.Gate, error)     { return nil, nil }
func (f *fakeGateStore) Update(ctx context.Context, gate *models.Gate) error { return nil }
func (f *fakeGateStore) Delete(ctx context.Context, id uuid.UUID) error      { return nil }

type fakeJobStore struct{}

func (f *fakeJobStore) CreateIfAbsent(ctx context.Context, job *models.BuildJob) (*models.BuildJob, bool, error) {
	return job, true, nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, id uuid.UUID) (*models.BuildJob, error) {
	return nil, repositories.NotFound("build job %s not found", id)
}

func (f *fakeJobStore) GetByComponent(ctx context.Context, requestID uuid.UUID, componentName string) (*models.BuildJob, error) {
	return nil, repositories.NotFound("build job not found")
}

func (f *fakeJobStore) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.BuildJob, error) {
	return nil, nil
}

func (f *fakeJobStore) SetStatus(ctx context.Context, id uuid.UUID, status models.BuildJobStatus, jobError *string) (bool, error) {
	return false, nil
}

func (f *fakeJobStore) AbandonActive(ctx context.Context, requestID uuid.UUID) (int64, error) {
	return 0, nil
}

func (f *fakeJobStore) ListStaleRunning(ctx context.Context, updatedBefore time.Time) ([]models.BuildJob, error) {
	return nil, nil
}

type fakeAPIDispatcher struct {
	launched  []uuid.UUID
	cancelErr error
	cancelled []uuid.UUID
}

func (f *fakeAPIDispatcher) Launch(requestID uuid.UUID) {
	f.launched = append(f.launched, requestID)
}

func (f *fakeAPIDispatcher) Cancel(ctx context.Context, requestID uuid.UUID, reason string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, requestID)
	return nil
}

type fakeAPIPublisher struct {
	events []*kafka.CatalogEvent
}

func (f *fakeAPIPublisher) PublishCatalogEvent(ctx context.Context, event *kafka.CatalogEvent) error {
	f.events = append(f.events, event)
	return nil
}

var (
	_ repositories.RequestRepo   = (*fakeRequestStore)(nil)
	_ repositories.ChangeRepo    = (*fakeChangeStore)(nil)
	_ repositories.ComponentRepo = (*fakeComponentStore)(nil)
	_ repositories.GateRepo      = (*fakeGateStore)(nil)
	_ repositories.JobRepo       = (*fakeJobStore)(nil)
)

type apiFixture struct {
	e          *echo.Echo
	requests   *fakeRequestStore
	changes    *fakeChangeStore
	components *fakeComponentStore
	gates      *fakeGateStore
	dispatcher *fakeAPIDispatcher
	publisher  *fakeAPIPublisher
	gateID     uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := zapadapter.NewZapEctoLogger(zap.NewNop(), nil)

	f := &apiFixture{
		e:          echo.New(),
		requests:   newFakeRequestStore(),
		changes:    newFakeChangeStore(),
		components: newFakeComponentStore(),
		gates:      newFakeGateStore(),
		dispatcher: &fakeAPIDispatcher{},
		publisher:  &fakeAPIPublisher{},
		gateID:     uuid.New(),
	}

	f.gates.rows[f.gateID] = &models.Gate{ID: f.gateID, Name: "userland", Branch: "main"}

	f.e.Validator = NewValidator()
	f.e.Use(middleware.Context())
	f.e.HTTPErrorHandler = middleware.Error(logger)

	handler := NewChangeRequestHandler(
		f.requests, f.changes, f.components, f.gates, &fakeJobStore{},
		f.dispatcher, f.publisher, logger,
	)
	handler.RegisterRoutes(f.e.Group("/api/v1"))

	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	buf := bytes.NewBuffer(nil)
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.HeaderActor, "toasty")

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createDraft(t *testing.T) uuid.UUID {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/change-requests", map[string]any{
		"title": "update zlib",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var request models.ChangeRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &request))
	return request.ID
}

func (f *apiFixture) addChange(t *testing.T, requestID uuid.UUID, name string) models.ComponentChange {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+requestID.String()+"/changes", map[string]any{
		"kind":     "added",
		"name":     name,
		"gate_id":  f.gateID,
		"version":  "1.0.0",
		"revision": "1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var change models.ComponentChange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &change))
	return change
}

func TestCreateChangeRequest(t *testing.T) {
	t.Run("creates a draft with the caller as contributor", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests", map[string]any{
			"title": "update zlib",
			"body":  "routine version bump",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var request models.ChangeRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &request))
		assert.Equal(t, models.RequestStateDraft, request.State)
		assert.Equal(t, "toasty", request.Contributor)
	})

	t.Run("rejects a missing title", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests", map[string]any{"body": "no title"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an unknown wait-for parent", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests", map[string]any{
			"title":               "update zlib",
			"wait_for_request_id": uuid.New(),
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAddChange(t *testing.T) {
	t.Run("added change on a fresh name has no baseline", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)

		change := f.addChange(t, id, "zlib")
		assert.Equal(t, models.ChangeKindAdded, change.Kind)
		assert.Empty(t, change.BaseVersion)
		assert.Nil(t, change.ComponentID)
	})

	t.Run("added change colliding with a live component conflicts", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		f.components.put(&models.Component{
			ID: uuid.New(), GateID: f.gateID, Name: "zlib", Version: "1.2.11", Revision: "3",
		})

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "added", "name": "zlib", "gate_id": f.gateID, "version": "1.3.0", "revision": "1",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("updated change snapshots the live key as baseline", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		componentID := uuid.New()
		f.components.put(&models.Component{
			ID: componentID, GateID: f.gateID, Name: "zlib", Version: "1.2.11", Revision: "3",
		})

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "updated", "name": "zlib", "gate_id": f.gateID, "version": "1.3.0", "revision": "1",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var change models.ComponentChange
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &change))
		assert.Equal(t, "1.2.11", change.BaseVersion)
		assert.Equal(t, "3", change.BaseRevision)
		require.NotNil(t, change.ComponentID)
		assert.Equal(t, componentID, *change.ComponentID)
	})

	t.Run("rejects an unknown kind", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "renamed", "name": "zlib", "gate_id": f.gateID, "version": "1.0", "revision": "1",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("removed change needs no version", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		f.components.put(&models.Component{
			ID: uuid.New(), GateID: f.gateID, Name: "zlib", Version: "1.2.11", Revision: "3",
		})

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "removed", "name": "zlib", "gate_id": f.gateID,
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("rejects edits on a non-draft request", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		f.addChange(t, id, "zlib")

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "added", "name": "openssl", "gate_id": f.gateID, "version": "3.0", "revision": "1",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestSubmit(t *testing.T) {
	t.Run("opens the request and launches the pipeline", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		f.addChange(t, id, "zlib")

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var request models.ChangeRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &request))
		assert.Equal(t, models.RequestStateOpen, request.State)
		assert.Equal(t, []string{"zlib"}, request.BuildOrder.GetValue())

		assert.Equal(t, []uuid.UUID{id}, f.dispatcher.launched)
		require.Len(t, f.publisher.events, 1)
		assert.Equal(t, kafka.EventRequestOpened, f.publisher.events[0].EventType)
	})

	t.Run("rejects an empty change set", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.dispatcher.launched)
	})

	t.Run("rejects a cyclic change set", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "added", "name": "zlib", "gate_id": f.gateID, "version": "1.0.0", "revision": "1",
			"recipe": map[string]any{
				"name":         "zlib",
				"dependencies": []map[string]any{{"name": "openssl"}},
			},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes", map[string]any{
			"kind": "added", "name": "openssl", "gate_id": f.gateID, "version": "3.0.0", "revision": "1",
			"recipe": map[string]any{
				"name":         "openssl",
				"dependencies": []map[string]any{{"name": "zlib"}},
			},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.dispatcher.launched)

		// The draft survives the rejected submit untouched
		rec = f.do(t, http.MethodGet, "/api/v1/change-requests/"+id.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var status StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, models.RequestStateDraft, status.Request.State)
	})

	t.Run("rejects queueing behind a draft parent", func(t *testing.T) {
		f := newAPIFixture(t)
		parent := f.createDraft(t)
		id := f.createDraft(t)
		f.addChange(t, id, "zlib")

		rec := f.do(t, http.MethodPut, "/api/v1/change-requests/"+id.String()+"/wait-for", map[string]any{
			"wait_for_request_id": parent,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("allows queueing behind an open parent", func(t *testing.T) {
		f := newAPIFixture(t)
		parent := f.createDraft(t)
		f.addChange(t, parent, "openssl")
		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+parent.String()+"/submit", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		id := f.createDraft(t)
		f.addChange(t, id, "zlib")
		rec = f.do(t, http.MethodPut, "/api/v1/change-requests/"+id.String()+"/wait-for", map[string]any{
			"wait_for_request_id": parent,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSetWaitFor(t *testing.T) {
	t.Run("rejects waiting for itself", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)

		rec := f.do(t, http.MethodPut, "/api/v1/change-requests/"+id.String()+"/wait-for", map[string]any{
			"wait_for_request_id": id,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects a wait cycle", func(t *testing.T) {
		f := newAPIFixture(t)
		a := f.createDraft(t)
		b := f.createDraft(t)

		rec := f.do(t, http.MethodPut, "/api/v1/change-requests/"+a.String()+"/wait-for", map[string]any{
			"wait_for_request_id": b,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPut, "/api/v1/change-requests/"+b.String()+"/wait-for", map[string]any{
			"wait_for_request_id": a,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("clears the link with a null id", func(t *testing.T) {
		f := newAPIFixture(t)
		parent := f.createDraft(t)
		id := f.createDraft(t)

		rec := f.do(t, http.MethodPut, "/api/v1/change-requests/"+id.String()+"/wait-for", map[string]any{
			"wait_for_request_id": parent,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPut, "/api/v1/change-requests/"+id.String()+"/wait-for", map[string]any{
			"wait_for_request_id": nil,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var request models.ChangeRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &request))
		assert.Nil(t, request.WaitForRequestID)
	})
}

func TestCancelViaHandler(t *testing.T) {
	t.Run("delegates to the dispatcher", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		f.addChange(t, id, "zlib")

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/submit", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/cancel", map[string]any{
			"reason": "superseded",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []uuid.UUID{id}, f.dispatcher.cancelled)
	})

	t.Run("maps invalid transitions to conflict", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		f.dispatcher.cancelErr = models.ErrInvalidTransition

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAttachFile(t *testing.T) {
	t.Run("appends patches and records archives as sources", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		change := f.addChange(t, id, "zlib")

		base := "/api/v1/change-requests/" + id.String() + "/changes/" + change.ID.String() + "/files"

		rec := f.do(t, http.MethodPost, base, map[string]any{
			"url": "https://files.example.org/zlib-fix-cve.patch", "kind": "patch",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPost, base, map[string]any{
			"url": "https://files.example.org/zlib-1.3.0.tar.gz", "kind": "archive",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var updated models.ComponentChange
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		assert.Equal(t, []string{"https://files.example.org/zlib-fix-cve.patch"}, updated.Patches.GetValue())
		sources, _ := updated.Recipe.GetValue()["sources"].([]any)
		require.Len(t, sources, 1)
	})

	t.Run("rejects an unknown file kind", func(t *testing.T) {
		f := newAPIFixture(t)
		id := f.createDraft(t)
		change := f.addChange(t, id, "zlib")

		rec := f.do(t, http.MethodPost, "/api/v1/change-requests/"+id.String()+"/changes/"+change.ID.String()+"/files", map[string]any{
			"url": "https://files.example.org/zlib.sig", "kind": "signature",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestImportComponent(t *testing.T) {
	t.Run("first import creates an added draft", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/components/import", map[string]any{
			"gate_id": f.gateID, "name": "zlib", "version": "1.3.1",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var status StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, models.RequestStateDraft, status.Request.State)
		require.Len(t, status.Changes, 1)
		assert.Equal(t, models.ChangeKindAdded, status.Changes[0].Kind)
		assert.Equal(t, "0", status.Changes[0].Revision)
		assert.Equal(t, []string{"zlib"}, status.Request.BuildOrder.GetValue())
	})

	t.Run("re-import of a live component becomes an update with baseline", func(t *testing.T) {
		f := newAPIFixture(t)
		f.components.put(&models.Component{
			ID: uuid.New(), GateID: f.gateID, Name: "zlib", Version: "1.3.0", Revision: "2",
		})

		rec := f.do(t, http.MethodPost, "/api/v1/components/import", map[string]any{
			"gate_id": f.gateID, "name": "zlib", "version": "1.3.1",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var status StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		require.Len(t, status.Changes, 1)
		assert.Equal(t, models.ChangeKindUpdated, status.Changes[0].Kind)
		assert.Equal(t, "1.3.0", status.Changes[0].BaseVersion)
		assert.Equal(t, "2", status.Changes[0].BaseRevision)
	})

	t.Run("unknown gate is rejected", func(t *testing.T) {
		f := newAPIFixture(t)

		rec := f.do(t, http.MethodPost, "/api/v1/components/import", map[string]any{
			"gate_id": uuid.New(), "name": "zlib", "version": "1.3.1",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
