package triggers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
	"github.com/songzhibin97/bizflow/workflow"
)

// SystemActor runs triggered workflows when an event names no actor.
var SystemActor = types.Actor{ID: "system", Roles: []string{"system"}}

// Subscriber is the subscribing half of the event bus.
type Subscriber interface {
	SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event events.Event) error)
}

// Manager routes events to triggers.
type Manager struct {
	engine   Engine
	triggers []Trigger
	configs  map[string]map[string]interface{}
	actor    types.Actor
	logger   *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSystemActor overrides SystemActor.
func WithSystemActor(actor types.Actor) ManagerOption {
	return func(m *Manager) { m.actor = actor }
}

// WithTriggerConfig passes config to the factory of typeName.
func WithTriggerConfig(typeName string, config map[string]interface{}) ManagerOption {
	return func(m *Manager) { m.configs[typeName] = config }
}

// NewManager builds one trigger of every type registered in reg.
func NewManager(reg *Registry, engine Engine, opts ...ManagerOption) (*Manager, error) {
	if reg == nil || engine == nil {
		return nil, errors.New("trigger registry and engine are required")
	}
	m := &Manager{
		engine:  engine,
		configs: make(map[string]map[string]interface{}),
		actor:   SystemActor,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, name := range reg.List() {
		t, err := reg.Get(name, m.configs[name])
		if err != nil {
			return nil, err
		}
		m.triggers = append(m.triggers, t)
	}
	return m, nil
}

// HandleEvent runs every trigger that wants event. Errors from individual
// triggers and definitions are joined; results of the ones that ran are
// returned regardless.
func (m *Manager) HandleEvent(ctx context.Context, event events.Event) ([]*workflow.ExecutionResult, error) {
	actor := m.actor
	if event.Record != nil && event.Record.Actor.ID != "" {
		actor = event.Record.Actor
	}

	var results []*workflow.ExecutionResult
	var errs []error
	for _, t := range m.triggers {
		if !t.ShouldTrigger(event) {
			continue
		}
		res, err := t.Execute(ctx, event, actor)
		results = append(results, res...)
		if err != nil {
			m.logger.Warn("trigger failed",
				zap.String("trigger", t.Type()),
				zap.String("event_type", event.Type),
				zap.String("entity_type", event.Entity.Type),
				zap.String("entity_id", event.Entity.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.Type(), err))
		}
	}
	return results, errors.Join(errs...)
}

// TriggerManual starts a definition for a record without matching trigger
// type or conditions.
func (m *Manager) TriggerManual(ctx context.Context, definitionID uint64, entity types.EntityRef, actor types.Actor, contextData map[string]interface{}) (*workflow.ExecutionResult, error) {
	if actor.ID == "" {
		actor = m.actor
	}
	if _, err := m.engine.GetDefinition(ctx, definitionID); err != nil {
		return nil, err
	}
	return run(ctx, m.engine, definitionID, entity, actor, contextData)
}

// Subscribe attaches the manager to the record event topics of bus.
func (m *Manager) Subscribe(bus Subscriber) {
	for _, topic := range []string{types.RecordCreated, types.RecordUpdated, types.RecordStateChanged} {
		bus.SubscribeFunc(topic, func(ctx context.Context, event events.Event) error {
			_, err := m.HandleEvent(ctx, event)
			return err
		})
	}
}
