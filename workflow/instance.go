package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/storage"
	"github.com/songzhibin97/bizflow/types"
)

// CreateInstance starts a definition for a record. While a running instance
// for the same definition and record exists, that instance is returned
// instead of a new one.
func (e *Engine) CreateInstance(ctx context.Context, definitionID uint64, entity types.EntityRef, initiator string, contextData map[string]interface{}) (types.Instance, error) {
	const op = "CreateInstance"
	if definitionID == 0 {
		return types.Instance{}, validationError(op, "definition id is required")
	}
	if entity.Type == "" || entity.ID == "" {
		return types.Instance{}, validationError(op, "entity type and id are required")
	}
	if initiator == "" {
		return types.Instance{}, validationError(op, "initiator is required")
	}

	def, err := e.store.GetDefinition(ctx, definitionID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Instance{}, newError(KindValidation, op, 0, err)
	} else if err != nil {
		return types.Instance{}, err
	}
	if !def.Active {
		return types.Instance{}, validationError(op, "definition %d: %w", def.ID, ErrDefinitionInactive)
	}
	if def.EntityType != entity.Type {
		return types.Instance{}, validationError(op, "definition %d targets %q, not %q", def.ID, def.EntityType, entity.Type)
	}

	id, err := e.GenerateID()
	if err != nil {
		return types.Instance{}, err
	}
	now := e.nowMillis()
	inst := types.Instance{
		ID:           id,
		DefinitionID: def.ID,
		Entity:       entity,
		CurrentState: def.InitialState,
		WorkflowData: map[string]interface{}{},
		ContextData:  overlay(nil, contextData),
		Status:       types.StatusRunning,
		Initiator:    initiator,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if def.RequiresApproval {
		inst.ApprovalStatus = types.ApprovalPending
	}

	inst, created, err := e.store.GetOrCreateInstance(ctx, inst)
	if err != nil {
		return types.Instance{}, fmt.Errorf("failed to create instance: %w", err)
	}
	if created {
		e.publish(ctx, events.InstanceCreated, inst, map[string]interface{}{
			"definition_id": def.ID,
			"state":         inst.CurrentState,
			"initiator":     initiator,
		})
	}
	return inst, nil
}

// GetInstance returns an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListInstances returns the instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter storage.InstanceFilter) ([]types.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// ListLogs returns an instance's execution log in append order.
func (e *Engine) ListLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	return e.store.ListLogs(ctx, instanceID)
}
