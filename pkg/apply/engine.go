// Package apply commits a fully built change request to the catalog. The
// whole change set lands in one database transaction: either every delta is
// in the catalog and the request is Applied, or nothing moved.
package apply

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Toasterson/forge/pkg/database"
	"github.com/Toasterson/forge/pkg/kafka"
	"github.com/Toasterson/forge/pkg/metrics"
	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/repositories"
	"github.com/Toasterson/forge/pkg/tracing"
)

// EventPublisher emits catalog events after a successful commit
type EventPublisher interface {
	PublishCatalogEvents(ctx context.Context, events []*kafka.CatalogEvent) error
}

// Engine applies change requests to the catalog
type Engine struct {
	db         database.DB
	gates      repositories.GateRepo
	components repositories.ComponentRepo
	changes    repositories.ChangeRepo
	requests   repositories.RequestRepo
	jobs       repositories.JobRepo
	events     EventPublisher
	logger     ectologger.Logger
}

// NewEngine creates a new apply engine
func NewEngine(
	db database.DB,
	gates repositories.GateRepo,
	components repositories.ComponentRepo,
	changes repositories.ChangeRepo,
	requests repositories.RequestRepo,
	jobs repositories.JobRepo,
	events EventPublisher,
	logger ectologger.Logger,
) *Engine {
	return &Engine{
		db:         db,
		gates:      gates,
		components: components,
		changes:    changes,
		requests:   requests,
		jobs:       jobs,
		events:     events,
		logger:     logger,
	}
}

// Apply commits an Open, fully built change request to the catalog and moves
// it to Applied. On success it returns the requests queued directly behind
// this one, so the caller can wake them. Preconditions are checked first;
// inside the transaction a duplicate key or a moved target aborts the whole
// apply with models.ErrDuplicateComponent or models.ErrStaleTarget; a removal
// whose target is gone or already retired aborts with a not-found error.
func (e *Engine) Apply(ctx context.Context, request *models.ChangeRequest) ([]models.ChangeRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "apply.Engine.Apply")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"change_request_id": request.ID,
	})

	changes, err := e.changes.ListByRequest(ctx, request.ID)
	if err != nil {
		return nil, err
	}

	if err := e.checkPreconditions(ctx, request, changes); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.RequestApplyDuration.Observe(time.Since(start).Seconds())
	}()

	txCtx, tx, err := e.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start apply transaction")
	}
	// Rollback with the pre-transaction context so an aborted apply really
	// rolls back; after Commit this is a no-op.
	defer tx.Rollback(ctx)

	events := make([]*kafka.CatalogEvent, 0, len(changes)+1)
	for _, change := range orderChanges(request.BuildOrder.GetValue(), changes) {
		event, err := e.applyChange(txCtx, request, change)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"component_name": change.Name,
				"kind":           change.Kind,
			}).Warn("Apply aborted")
			return nil, err
		}
		events = append(events, event)

		if err := e.changes.MarkApplied(txCtx, change.ID); err != nil {
			return nil, err
		}
	}

	if err := e.requests.TransitionState(txCtx, request.ID, models.RequestStateOpen, models.RequestStateApplied, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit apply transaction")
	}

	metrics.RecordTransition(string(models.RequestStateApplied))
	for _, change := range changes {
		metrics.RecordComponentApplied(string(change.Kind))
	}

	log.WithFields(map[string]any{
		"change_count": len(changes),
	}).Info("Change request applied to catalog")

	events = append(events, &kafka.CatalogEvent{
		EventType:       kafka.EventRequestApplied,
		ChangeRequestID: request.ID.String(),
		Contributor:     request.Contributor,
	})
	if err := e.events.PublishCatalogEvents(ctx, events); err != nil {
		// The catalog is committed; event loss is logged, not unwound.
		log.WithError(err).Error("Failed to publish catalog events after apply")
	}

	return e.requests.ListWaitingOn(ctx, request.ID)
}

// checkPreconditions verifies the request may be applied: it is Open, its
// wait-for parent (if any) is already Applied, and every change that needs a
// build has a succeeded job.
func (e *Engine) checkPreconditions(ctx context.Context, request *models.ChangeRequest, changes []models.ComponentChange) error {
	if request.State != models.RequestStateOpen {
		return models.ErrInvalidTransition
	}

	if request.WaitForRequestID != nil {
		parent, err := e.requests.GetByID(ctx, *request.WaitForRequestID)
		if err != nil {
			return err
		}
		if parent.State != models.RequestStateApplied {
			return httperror.NewHTTPErrorf(http.StatusConflict,
				"change request %s waits for %s which is %s", request.ID, parent.ID, parent.State)
		}
	}

	jobs, err := e.jobs.ListByRequest(ctx, request.ID)
	if err != nil {
		return err
	}
	succeeded := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if job.Status == models.JobStatusSucceeded {
			succeeded[job.ComponentName] = true
		}
	}

	for _, change := range changes {
		// Removals do not build anything
		if change.Kind == models.ChangeKindRemoved {
			continue
		}
		if !succeeded[change.Name] {
			return httperror.NewHTTPErrorf(http.StatusConflict,
				"component '%s' has no successful build", change.Name)
		}
	}

	return nil
}

// applyChange lands one delta in the catalog and returns its event
func (e *Engine) applyChange(ctx context.Context, request *models.ChangeRequest, change models.ComponentChange) (*kafka.CatalogEvent, error) {
	switch change.Kind {
	case models.ChangeKindAdded:
		if change.GateID == nil {
			return nil, repositories.BadRequest(fmt.Sprintf("added component '%s' has no gate", change.Name))
		}
		component := &models.Component{
			Name:       change.Name,
			GateID:     *change.GateID,
			Version:    change.Version,
			Revision:   change.Revision,
			Recipe:     change.Recipe,
			Patches:    change.Patches,
			Scripts:    change.Scripts,
			Packages:   change.Packages,
			AnityaID:   change.AnityaID,
			RepologyID: change.RepologyID,
		}
		if err := e.components.CreateIfAbsent(ctx, component); err != nil {
			return nil, err
		}
		return e.componentEvent(kafka.EventComponentAdded, request, change, component.Key()), nil

	case models.ChangeKindUpdated:
		if change.ComponentID == nil {
			return nil, repositories.BadRequest(fmt.Sprintf("updated component '%s' has no target", change.Name))
		}
		component, err := e.components.GetByID(ctx, *change.ComponentID)
		if err != nil {
			return nil, err
		}
		component.Version = change.Version
		component.Revision = change.Revision
		component.Recipe = change.Recipe
		component.Patches = change.Patches
		component.Scripts = change.Scripts
		component.Packages = change.Packages
		component.AnityaID = change.AnityaID
		component.RepologyID = change.RepologyID
		if err := e.components.UpdateGuarded(ctx, component, change.BaseVersion, change.BaseRevision); err != nil {
			return nil, err
		}
		return e.componentEvent(kafka.EventComponentUpdated, request, change, component.Key()), nil

	case models.ChangeKindRemoved:
		if change.ComponentID == nil {
			return nil, repositories.BadRequest(fmt.Sprintf("removed component '%s' has no target", change.Name))
		}
		if err := e.components.Retire(ctx, *change.ComponentID, change.BaseVersion, change.BaseRevision); err != nil {
			return nil, err
		}
		key := models.ComponentKey{Name: change.Name, Version: change.BaseVersion, Revision: change.BaseRevision}
		if change.GateID != nil {
			key.GateID = *change.GateID
		}
		return e.componentEvent(kafka.EventComponentRemoved, request, change, key), nil
	}

	return nil, repositories.BadRequest(fmt.Sprintf("unknown change kind '%s'", change.Kind))
}

func (e *Engine) componentEvent(eventType string, request *models.ChangeRequest, change models.ComponentChange, key models.ComponentKey) *kafka.CatalogEvent {
	data, _ := json.Marshal(map[string]any{
		"kind":     change.Kind,
		"version":  change.Version,
		"revision": change.Revision,
	})
	return &kafka.CatalogEvent{
		EventType:       eventType,
		ChangeRequestID: request.ID.String(),
		ComponentName:   change.Name,
		ComponentKey:    key.String(),
		Contributor:     request.Contributor,
		Data:            data,
	}
}

// orderChanges sorts the change set by the persisted build order, which names
// every change including removals. A change the order does not mention runs
// after the ordered ones, in the stable order the repository returned them.
func orderChanges(order []string, changes []models.ComponentChange) []models.ComponentChange {
	byName := make(map[string]int, len(order))
	for i, name := range order {
		byName[name] = i
	}

	ordered := make([]models.ComponentChange, 0, len(changes))
	trailing := make([]models.ComponentChange, 0)
	slots := make([]*models.ComponentChange, len(order))
	for i := range changes {
		if idx, ok := byName[changes[i].Name]; ok {
			slots[idx] = &changes[i]
		} else {
			trailing = append(trailing, changes[i])
		}
	}
	for _, change := range slots {
		if change != nil {
			ordered = append(ordered, *change)
		}
	}
	return append(ordered, trailing...)
}
