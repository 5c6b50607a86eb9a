// Package graph computes build ordering over a change set and validates the
// wait relationships between change requests.
package graph

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Toasterson/forge/pkg/models"
	"github.com/Toasterson/forge/pkg/recipe"
)

var (
	// ErrCyclicDependency means the change set's build-time dependencies
	// contain a cycle and no build order exists.
	ErrCyclicDependency = errors.New("cyclic dependency between components in change set")

	// ErrCyclicWaitDependency means following wait-for links from a change
	// request leads back to an already visited request.
	ErrCyclicWaitDependency = errors.New("cyclic wait dependency between change requests")
)

// MaxWaitDepth bounds the ancestor walk over wait-for links. Chains deeper
// than this are treated as cyclic.
const MaxWaitDepth = 64

// BuildOrder returns the component names of the change set in an order where
// every build-time dependency inside the set precedes its dependants.
// Dependencies on components outside the set are ignored; ties are broken by
// ascending name so the order is deterministic. Returns ErrCyclicDependency
// when no such order exists.
func BuildOrder(changes []models.ComponentChange) ([]string, error) {
	inSet := make(map[string]bool, len(changes))
	for _, change := range changes {
		inSet[change.Name] = true
	}

	// dependants[a] holds the names that must build after a
	dependants := make(map[string][]string, len(changes))
	indegree := make(map[string]int, len(changes))
	for name := range inSet {
		indegree[name] = 0
	}
	for _, change := range changes {
		for _, dep := range recipe.BuildDependencies(change.Recipe.GetValue()) {
			if dep == change.Name || !inSet[dep] {
				continue
			}
			dependants[dep] = append(dependants[dep], change.Name)
			indegree[change.Name]++
		}
	}

	ready := make([]string, 0, len(indegree))
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		released := make([]string, 0, len(dependants[name]))
		for _, dependant := range dependants[name] {
			indegree[dependant]--
			if indegree[dependant] == 0 {
				released = append(released, dependant)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(indegree) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

// RequestLookup fetches a change request by id. Implemented by the change
// request repository.
type RequestLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeRequest, error)
}

// ValidateWaitChain walks the wait-for ancestors of request and returns
// ErrCyclicWaitDependency if the walk revisits a request or exceeds
// MaxWaitDepth. A nil wait-for link ends the walk successfully.
func ValidateWaitChain(ctx context.Context, lookup RequestLookup, request *models.ChangeRequest) error {
	visited := map[uuid.UUID]bool{request.ID: true}

	current := request
	for depth := 0; current.WaitForRequestID != nil; depth++ {
		if depth >= MaxWaitDepth {
			return errors.Wrapf(ErrCyclicWaitDependency, "wait chain exceeds %d requests", MaxWaitDepth)
		}

		parentID := *current.WaitForRequestID
		if visited[parentID] {
			return errors.Wrapf(ErrCyclicWaitDependency, "request %s is already part of the chain", parentID)
		}
		visited[parentID] = true

		parent, err := lookup.GetByID(ctx, parentID)
		if err != nil {
			return errors.Wrapf(err, "failed to load wait-for request %s", parentID)
		}
		current = parent
	}
	return nil
}
