package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/actions"
	"github.com/songzhibin97/bizflow/rules"
	"github.com/songzhibin97/bizflow/storage"
	"github.com/songzhibin97/bizflow/types"
)

// CreateDefinition validates and stores a new, active definition.
func (e *Engine) CreateDefinition(ctx context.Context, def types.Definition) (types.Definition, error) {
	const op = "CreateDefinition"
	if err := e.validateDefinition(op, def); err != nil {
		return types.Definition{}, err
	}
	if def.ID == 0 {
		id, err := e.GenerateID()
		if err != nil {
			return types.Definition{}, err
		}
		def.ID = id
	}
	now := e.nowMillis()
	def.Active = true
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.Definition{}, fmt.Errorf("failed to save definition: %w", err)
	}
	e.logger.Info("definition created",
		zap.Uint64("definition_id", def.ID),
		zap.String("name", def.Name),
		zap.String("entity_type", def.EntityType))
	return def, nil
}

func (e *Engine) validateDefinition(op string, def types.Definition) error {
	if def.Name == "" {
		return validationError(op, "definition name is required")
	}
	if def.EntityType == "" {
		return validationError(op, "definition %q: entity type is required", def.Name)
	}
	if len(def.States) == 0 {
		return configurationError(op, "definition %q has no states", def.Name)
	}
	if !def.HasState(def.InitialState) {
		return configurationError(op, "definition %q: initial state %q: %w", def.Name, def.InitialState, ErrUnknownState)
	}
	if def.TriggerType != "" && def.TriggerType != TriggerManual && def.TriggerType != TriggerScheduled &&
		e.triggers != nil && !e.triggers.Has(def.TriggerType) {
		return configurationError(op, "definition %q: unknown trigger type %q", def.Name, def.TriggerType)
	}
	if _, err := rules.CompileAll(def.TriggerConditions, e.evaluator); err != nil {
		return configurationError(op, "definition %q: trigger conditions: %w", def.Name, err)
	}
	if def.Schedule != nil {
		if _, err := cron.ParseStandard(def.Schedule.Cron); err != nil {
			return configurationError(op, "definition %q: schedule %q: %w", def.Name, def.Schedule.Cron, err)
		}
		if def.Schedule.EntityID == "" {
			return configurationError(op, "definition %q: schedule needs an entity id", def.Name)
		}
	}
	for name, state := range def.States {
		if err := e.validateActions(state.Actions); err != nil {
			return configurationError(op, "definition %q: state %q: %w", def.Name, name, err)
		}
	}
	return nil
}

func (e *Engine) validateActions(configs []types.ActionConfig) error {
	for i, ac := range configs {
		if _, err := e.actions.Get(ac.Type, ac.Config); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, ac.Name, err)
		}
	}
	return nil
}

// GetDefinition returns a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListDefinitions returns the definitions matching filter.
func (e *Engine) ListDefinitions(ctx context.Context, filter storage.DefinitionFilter) ([]types.Definition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// DeactivateDefinition soft-deletes a definition. Running instances are not
// affected; new instances are refused.
func (e *Engine) DeactivateDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.Definition{}, err
	}
	if !def.Active {
		return def, nil
	}
	def.Active = false
	def.UpdatedAt = e.nowMillis()
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return types.Definition{}, fmt.Errorf("failed to save definition: %w", err)
	}
	return def, nil
}

// CreateTransition validates and stores a transition of an existing definition.
func (e *Engine) CreateTransition(ctx context.Context, t types.Transition) (types.Transition, error) {
	const op = "CreateTransition"
	def, err := e.store.GetDefinition(ctx, t.DefinitionID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Transition{}, validationError(op, "transition %q: %w", t.Name, err)
	} else if err != nil {
		return types.Transition{}, err
	}
	if t.Name == "" {
		t.Name = t.FromState + "_to_" + t.ToState
	}
	if err := e.validateTransition(op, def, t); err != nil {
		return types.Transition{}, err
	}
	if t.ID == 0 {
		id, err := e.GenerateID()
		if err != nil {
			return types.Transition{}, err
		}
		t.ID = id
	}
	t.UpdatedAt = e.nowMillis()
	if err := e.saveTransition(ctx, op, t); err != nil {
		return types.Transition{}, err
	}
	return t, nil
}

// UpdateTransition replaces an existing transition.
func (e *Engine) UpdateTransition(ctx context.Context, t types.Transition) (types.Transition, error) {
	const op = "UpdateTransition"
	existing, err := e.store.GetTransition(ctx, t.ID)
	if err != nil {
		return types.Transition{}, err
	}
	t.DefinitionID = existing.DefinitionID
	if t.Name == "" {
		t.Name = existing.Name
	}
	def, err := e.store.GetDefinition(ctx, t.DefinitionID)
	if err != nil {
		return types.Transition{}, err
	}
	if err := e.validateTransition(op, def, t); err != nil {
		return types.Transition{}, err
	}
	t.UpdatedAt = e.nowMillis()
	if err := e.saveTransition(ctx, op, t); err != nil {
		return types.Transition{}, err
	}
	e.forgetTransition(t.ID)
	return t, nil
}

// DeleteTransition removes a transition.
func (e *Engine) DeleteTransition(ctx context.Context, id uint64) error {
	if err := e.store.DeleteTransition(ctx, id); err != nil {
		return err
	}
	e.forgetTransition(id)
	return nil
}

// ListTransitions returns a definition's transitions in evaluation order.
func (e *Engine) ListTransitions(ctx context.Context, definitionID uint64) ([]types.Transition, error) {
	return e.store.ListTransitions(ctx, definitionID)
}

func (e *Engine) validateTransition(op string, def types.Definition, t types.Transition) error {
	if !def.HasState(t.FromState) {
		return configurationError(op, "transition %q: from state %q: %w", t.Name, t.FromState, ErrUnknownState)
	}
	if !def.HasState(t.ToState) {
		return configurationError(op, "transition %q: to state %q: %w", t.Name, t.ToState, ErrUnknownState)
	}
	if _, err := rules.CompileAll(t.Conditions, e.evaluator); err != nil {
		return configurationError(op, "transition %q: %w", t.Name, err)
	}
	if err := e.validateActions(t.Actions); err != nil {
		return configurationError(op, "transition %q: %w", t.Name, err)
	}
	return nil
}

func (e *Engine) saveTransition(ctx context.Context, op string, t types.Transition) error {
	err := e.store.SaveTransition(ctx, t)
	if errors.Is(err, storage.ErrConflict) {
		return newError(KindValidation, op, 0, err)
	} else if err != nil {
		return fmt.Errorf("failed to save transition: %w", err)
	}
	return nil
}

func (e *Engine) forgetTransition(id uint64) {
	e.mu.Lock()
	delete(e.compiled, id)
	e.mu.Unlock()
}

// conditions returns the compiled conditions of a transition.
func (e *Engine) conditions(t types.Transition) (rules.All, error) {
	return e.compileCached(e.compiled, t.ID, t.UpdatedAt, t.Conditions)
}

// TriggerConditionsMatch reports whether data satisfies the definition's
// trigger conditions.
func (e *Engine) TriggerConditionsMatch(def types.Definition, data map[string]interface{}) (bool, error) {
	p, err := e.compileCached(e.triggerC, def.ID, def.UpdatedAt, def.TriggerConditions)
	if err != nil {
		return false, configurationError("TriggerConditionsMatch", "definition %q: %w", def.Name, err)
	}
	return p.Match(data), nil
}

func (e *Engine) compileCached(cache map[uint64]compiledConditions, id uint64, updatedAt int64, conds []types.Condition) (rules.All, error) {
	e.mu.RLock()
	c, ok := cache[id]
	e.mu.RUnlock()
	if ok && c.updatedAt == updatedAt {
		return c.predicate, nil
	}
	p, err := rules.CompileAll(conds, e.evaluator)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cache[id] = compiledConditions{updatedAt: updatedAt, predicate: p}
	e.mu.Unlock()
	return p, nil
}

// buildAction constructs a configured action; registry errors are
// configuration errors.
func (e *Engine) buildAction(op string, instanceID uint64, ac types.ActionConfig) (actions.Action, error) {
	action, err := e.actions.Get(ac.Type, ac.Config)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: op, InstanceID: instanceID, Step: ac.Name, Err: err}
	}
	return action, nil
}
