// Package actions holds the action registry and the built-in actions a
// workflow state or transition can run.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/bizflow/rules"
	"github.com/songzhibin97/bizflow/types"
)

var (
	// ErrUnknownActionType is returned by Get for an unregistered type.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrDuplicateActionType is returned when a type is registered twice.
	ErrDuplicateActionType = errors.New("action type already registered")
	// ErrInvalidConfig is returned by factories for unusable configuration.
	ErrInvalidConfig = errors.New("invalid action config")
	// ErrPermanent marks an action failure that fails the instance.
	ErrPermanent = errors.New("permanent action failure")
	// ErrAwaitingInput marks an action that cannot continue without outside
	// input; the instance is paused.
	ErrAwaitingInput = errors.New("action awaiting input")
)

// Permanent wraps err so the engine fails the instance.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Env is what an action sees when it runs.
type Env struct {
	Instance   types.Instance
	Definition types.Definition
	Actor      types.Actor
	// Step is the configured action name.
	Step string
	// Data is the execution context: record fields, context data, workflow
	// data and the reserved record, actor and instance keys.
	Data map[string]interface{}
}

// Lookup resolves a dotted path in the execution context.
func (e Env) Lookup(path string) (interface{}, bool) {
	return rules.Lookup(e.Data, path)
}

// Result is the outcome of an action.
type Result struct {
	Success bool
	Message string
	// Data is merged into the instance's workflow data.
	Data map[string]interface{}
	// Pending reports that an outside decision was requested.
	Pending bool
	// ResumeAt is a unix-millisecond time before which the instance should
	// not be executed again.
	ResumeAt int64
}

// Action is a unit of work run by the engine.
type Action interface {
	Execute(ctx context.Context, env Env) (Result, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, env Env) (Result, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, env Env) (Result, error) {
	return f(ctx, env)
}

// Factory builds an action from its configuration. Configuration errors
// should wrap ErrInvalidConfig.
type Factory func(config map[string]interface{}) (Action, error)

// Registry maps action type names to factories. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under typeName.
func (r *Registry) Register(typeName string, factory Factory) error {
	if typeName == "" || factory == nil {
		return fmt.Errorf("%w: type name and factory are required", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateActionType, typeName)
	}
	r.factories[typeName] = factory
	return nil
}

// Get builds an action of typeName.
func (r *Registry) Get(typeName string, config map[string]interface{}) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionType, typeName)
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	action, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("action type %s: %w", typeName, err)
	}
	return action, nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// List returns the registered type names in order.
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
