package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/bizflow/types"
)

// Errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a write would break a uniqueness rule.
	ErrConflict = errors.New("resource conflict")

	ErrDefinitionNotFound = fmt.Errorf("definition %w", ErrNotFound)
	ErrTransitionNotFound = fmt.Errorf("transition %w", ErrNotFound)
	ErrInstanceNotFound   = fmt.Errorf("instance %w", ErrNotFound)
)

// Storage defines the interface for persisting and retrieving definitions,
// transitions, instances and the execution log.
type Storage interface {
	// SaveDefinition inserts or replaces a definition.
	SaveDefinition(ctx context.Context, def types.Definition) error
	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)
	// ListDefinitions returns the definitions matching filter ordered by ID.
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.Definition, error)

	// SaveTransition inserts or replaces a transition. A second transition with
	// the same (definition, from, to) fails with ErrConflict.
	SaveTransition(ctx context.Context, t types.Transition) error
	// GetTransition retrieves a transition by ID.
	GetTransition(ctx context.Context, id uint64) (types.Transition, error)
	// DeleteTransition removes a transition.
	DeleteTransition(ctx context.Context, id uint64) error
	// ListTransitions returns a definition's transitions in ascending order.
	ListTransitions(ctx context.Context, definitionID uint64) ([]types.Transition, error)

	// GetOrCreateInstance persists inst unless a running instance already
	// exists for the same definition and entity, in which case that instance
	// is returned and created is false.
	GetOrCreateInstance(ctx context.Context, inst types.Instance) (existing types.Instance, created bool, err error)
	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)
	// SaveInstance persists an updated instance.
	SaveInstance(ctx context.Context, inst types.Instance) error
	// ListInstances returns the instances matching filter ordered by ID.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error)

	// AppendLog appends an execution log entry.
	AppendLog(ctx context.Context, entry types.ExecutionLogEntry) error
	// ListLogs returns an instance's log entries in insertion order.
	ListLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error)

	// WithInstanceLock runs fn while holding the instance's mutual-exclusion
	// lock. Calls for the same instance are serialised.
	WithInstanceLock(ctx context.Context, instanceID uint64, fn func(ctx context.Context) error) error
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	EntityType  string
	TriggerType string
	ActiveOnly  bool
}

// Match reports whether def passes the filter.
func (f DefinitionFilter) Match(def types.Definition) bool {
	if f.ActiveOnly && !def.Active {
		return false
	}
	if f.EntityType != "" && f.EntityType != def.EntityType {
		return false
	}
	if f.TriggerType != "" && f.TriggerType != def.TriggerType {
		return false
	}
	return true
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	DefinitionID uint64
	EntityType   string
	EntityID     string
	Status       string
	Limit        int
	Offset       int
}

// Match reports whether inst passes the filter. Pagination is not applied.
func (f InstanceFilter) Match(inst types.Instance) bool {
	if f.DefinitionID != 0 && f.DefinitionID != inst.DefinitionID {
		return false
	}
	if f.EntityType != "" && f.EntityType != inst.Entity.Type {
		return false
	}
	if f.EntityID != "" && f.EntityID != inst.Entity.ID {
		return false
	}
	if f.Status != "" && f.Status != inst.Status {
		return false
	}
	return true
}

// ActiveKey identifies the single running instance slot of a definition and entity.
func ActiveKey(definitionID uint64, entity types.EntityRef) string {
	return fmt.Sprintf("%d:%s:%s", definitionID, entity.Type, entity.ID)
}

// SortTransitions orders transitions by Order, then ID.
func SortTransitions(ts []types.Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Order != ts[j].Order {
			return ts[i].Order < ts[j].Order
		}
		return ts[i].ID < ts[j].ID
	})
}

// paginate applies offset and limit to a sorted slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
