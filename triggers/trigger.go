// Package triggers starts workflow instances in response to record events,
// manual requests and cron schedules.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/storage"
	"github.com/songzhibin97/bizflow/types"
	"github.com/songzhibin97/bizflow/workflow"
)

var (
	// ErrUnknownTriggerType is returned by Get for an unregistered type.
	ErrUnknownTriggerType = errors.New("unknown trigger type")
	// ErrDuplicateTriggerType is returned when a type is registered twice.
	ErrDuplicateTriggerType = errors.New("trigger type already registered")
	// ErrInvalidConfig is returned by factories for unusable configuration.
	ErrInvalidConfig = errors.New("invalid trigger config")
)

// Engine is the part of the workflow engine triggers drive.
type Engine interface {
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)
	ListDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]types.Definition, error)
	TriggerConditionsMatch(def types.Definition, data map[string]interface{}) (bool, error)
	CreateInstance(ctx context.Context, definitionID uint64, entity types.EntityRef, initiator string, contextData map[string]interface{}) (types.Instance, error)
	Execute(ctx context.Context, instanceID uint64, actor types.Actor) (*workflow.ExecutionResult, error)
}

// Trigger decides whether an event starts workflows and starts them.
type Trigger interface {
	Type() string
	ShouldTrigger(event events.Event) bool
	Execute(ctx context.Context, event events.Event, actor types.Actor) ([]*workflow.ExecutionResult, error)
}

// Factory builds a configured trigger.
type Factory func(config map[string]interface{}) (Trigger, error)

// Registry maps trigger type names to factories. It is filled at startup and
// only read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a trigger type.
func (r *Registry) Register(typeName string, factory Factory) error {
	if typeName == "" || factory == nil {
		return fmt.Errorf("%w: type name and factory are required", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typeName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTriggerType, typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Get builds a trigger of typeName from config.
func (r *Registry) Get(typeName string, config map[string]interface{}) (Trigger, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTriggerType, typeName)
	}
	t, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("trigger type %s: %w", typeName, err)
	}
	return t, nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// List returns the registered type names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ workflow.TriggerCatalog = (*Registry)(nil)

// start creates and executes an instance of every active definition of the
// event's entity type that listens on triggerType and whose trigger
// conditions hold for the record payload. One failing definition does not
// stop the others.
func start(ctx context.Context, engine Engine, triggerType string, event events.Event, actor types.Actor) ([]*workflow.ExecutionResult, error) {
	defs, err := engine.ListDefinitions(ctx, storage.DefinitionFilter{
		EntityType:  event.Entity.Type,
		TriggerType: triggerType,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	payload := eventPayload(event)
	var results []*workflow.ExecutionResult
	var errs []error
	for _, def := range defs {
		ok, err := engine.TriggerConditionsMatch(def, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("definition %d: %w", def.ID, err))
			continue
		}
		if !ok {
			continue
		}
		res, err := run(ctx, engine, def.ID, event.Entity, actor, map[string]interface{}{
			"trigger_type":  triggerType,
			"trigger_event": event.Type,
		})
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("definition %d: %w", def.ID, err))
		}
	}
	return results, errors.Join(errs...)
}

func run(ctx context.Context, engine Engine, definitionID uint64, entity types.EntityRef, actor types.Actor, contextData map[string]interface{}) (*workflow.ExecutionResult, error) {
	inst, err := engine.CreateInstance(ctx, definitionID, entity, actor.ID, contextData)
	if err != nil {
		return nil, err
	}
	return engine.Execute(ctx, inst.ID, actor)
}

func eventPayload(event events.Event) map[string]interface{} {
	if event.Record != nil {
		return event.Record.Payload
	}
	return event.Data
}
