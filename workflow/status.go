package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/actions"
	"github.com/songzhibin97/bizflow/approval"
	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
)

// Status is a read-only view of an instance.
type Status struct {
	InstanceID           uint64                `json:"instance_id"`
	DefinitionID         uint64                `json:"definition_id"`
	DefinitionName       string                `json:"definition_name"`
	Entity               types.EntityRef       `json:"entity"`
	CurrentState         string                `json:"current_state"`
	Status               string                `json:"status"`
	ApprovalStatus       string                `json:"approval_status,omitempty"`
	AvailableTransitions []AvailableTransition `json:"available_transitions,omitempty"`
	LastError            string                `json:"last_error,omitempty"`
	StartedAt            int64                 `json:"started_at"`
	UpdatedAt            int64                 `json:"updated_at"`
	LastExecutedAt       int64                 `json:"last_executed_at,omitempty"`
	CompletedAt          int64                 `json:"completed_at,omitempty"`
	ResumeAt             int64                 `json:"resume_at,omitempty"`
}

// GetStatus reports an instance's state and, while it runs, the transitions
// whose conditions currently hold.
func (e *Engine) GetStatus(ctx context.Context, instanceID uint64) (Status, error) {
	const op = "GetStatus"
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Status{}, err
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		InstanceID:     inst.ID,
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		Entity:         inst.Entity,
		CurrentState:   inst.CurrentState,
		Status:         inst.Status,
		ApprovalStatus: inst.ApprovalStatus,
		LastError:      inst.LastError,
		StartedAt:      inst.StartedAt,
		UpdatedAt:      inst.UpdatedAt,
		LastExecutedAt: inst.LastExecutedAt,
		CompletedAt:    inst.CompletedAt,
		ResumeAt:       inst.ResumeAt,
	}
	if inst.Status != types.StatusRunning {
		return st, nil
	}

	data, err := e.buildContext(ctx, op, inst, types.Actor{})
	if err != nil {
		return Status{}, err
	}
	outgoing, err := e.outgoing(ctx, def.ID, inst.CurrentState)
	if err != nil {
		return Status{}, err
	}
	qualifying, err := e.qualifying(op, outgoing, data)
	if err != nil {
		return Status{}, err
	}
	st.AvailableTransitions = available(qualifying)
	return st, nil
}

// Approve records an approval. With a transition name it applies that
// transition; either way execution then continues as Execute would. Actions
// of the current state that already ran are not run again.
func (e *Engine) Approve(ctx context.Context, instanceID uint64, transitionName string, actor types.Actor, comment string) (*ExecutionResult, error) {
	const op = "Approve"
	actor, err := e.resolveActor(ctx, op, actor)
	if err != nil {
		return nil, err
	}
	return e.locked(ctx, instanceID, func(ctx context.Context, inst types.Instance, def types.Definition) (*ExecutionResult, error) {
		if err := e.checkRunnable(op, inst, def); err != nil {
			return nil, err
		}

		var t *types.Transition
		if transitionName != "" {
			found, err := e.findTransition(ctx, op, inst, transitionName)
			if err != nil {
				return nil, err
			}
			t = &found
		}
		if inst.ApprovalStatus != types.ApprovalPending && (t == nil || !t.RequiresApproval) {
			return nil, newError(KindValidation, op, inst.ID, ErrNotPendingApproval)
		}

		roles := append([]string(nil), def.ApprovalRoles...)
		if t != nil {
			roles = append(roles, t.RequiredRoles...)
		}
		if !allowed(actor, roles) {
			return nil, newError(KindPermission, op, inst.ID, fmt.Errorf("actor %q needs one of %v", actor.ID, roles))
		}

		var data map[string]interface{}
		if t != nil {
			data, err = e.buildContext(ctx, op, inst, actor)
			if err != nil {
				return nil, err
			}
			if err := e.checkConditions(op, inst, *t, data); err != nil {
				return nil, err
			}
		}

		res := newResult(inst)
		inst.ApprovalStatus = types.ApprovalApproved
		if err := e.recordDecision(ctx, &inst, actor, true, transitionName, comment); err != nil {
			return nil, err
		}

		if t == nil {
			return e.run(ctx, op, &inst, def, actor, res, inst.ActionsState == inst.CurrentState)
		}
		if err := e.applyTransition(ctx, op, &inst, def, *t, actor, data, nil, res); err != nil {
			return res.finish(inst, err)
		}
		return e.run(ctx, op, &inst, def, actor, res, false)
	})
}

// Reject records a rejection and cancels the instance.
func (e *Engine) Reject(ctx context.Context, instanceID uint64, actor types.Actor, comment string) (*ExecutionResult, error) {
	const op = "Reject"
	actor, err := e.resolveActor(ctx, op, actor)
	if err != nil {
		return nil, err
	}
	return e.locked(ctx, instanceID, func(ctx context.Context, inst types.Instance, def types.Definition) (*ExecutionResult, error) {
		if err := e.checkRunnable(op, inst, def); err != nil {
			return nil, err
		}
		if inst.ApprovalStatus != types.ApprovalPending {
			return nil, newError(KindValidation, op, inst.ID, ErrNotPendingApproval)
		}
		if !allowed(actor, def.ApprovalRoles) {
			return nil, newError(KindPermission, op, inst.ID, fmt.Errorf("actor %q needs one of %v", actor.ID, def.ApprovalRoles))
		}

		res := newResult(inst)
		inst.ApprovalStatus = types.ApprovalRejected
		inst.Status = types.StatusCancelled
		inst.CompletedAt = e.nowMillis()
		if err := e.recordDecision(ctx, &inst, actor, false, "", comment); err != nil {
			return nil, err
		}
		e.publish(ctx, events.InstanceCancelled, inst, map[string]interface{}{
			"actor":  actor.ID,
			"reason": comment,
		})
		return res.finish(inst, nil)
	})
}

// Cancel stops a running instance.
func (e *Engine) Cancel(ctx context.Context, instanceID uint64, actor types.Actor, reason string) (*ExecutionResult, error) {
	const op = "Cancel"
	actor, err := e.resolveActor(ctx, op, actor)
	if err != nil {
		return nil, err
	}
	return e.locked(ctx, instanceID, func(ctx context.Context, inst types.Instance, def types.Definition) (*ExecutionResult, error) {
		if inst.Status != types.StatusRunning {
			return nil, newError(KindValidation, op, inst.ID, fmt.Errorf("%w: status %s", ErrInstanceNotRunning, inst.Status))
		}
		res := newResult(inst)
		if inst.ApprovalStatus == types.ApprovalPending {
			inst.ApprovalStatus = types.ApprovalCancelled
		}
		inst.Status = types.StatusCancelled
		inst.CompletedAt = e.nowMillis()
		if err := e.saveInstance(ctx, &inst); err != nil {
			return nil, err
		}
		e.publish(ctx, events.InstanceCancelled, inst, map[string]interface{}{
			"actor":  actor.ID,
			"reason": reason,
		})
		e.logger.Info("instance cancelled", zap.Uint64("instance_id", inst.ID), zap.String("actor", actor.ID))
		return res.finish(inst, nil)
	})
}

// recordDecision saves the instance, logs the approval step and closes the
// open approval request, if any.
func (e *Engine) recordDecision(ctx context.Context, inst *types.Instance, actor types.Actor, approved bool, transitionName, comment string) error {
	decision := types.ApprovalApproved
	if !approved {
		decision = types.ApprovalRejected
	}
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	err := e.appendLog(ctx, types.ExecutionLogEntry{
		InstanceID: inst.ID,
		StepName:   inst.CurrentState,
		StepType:   types.StepApproval,
		Status:     types.LogSuccess,
		Input:      map[string]interface{}{"decision": decision, "transition": transitionName, "comment": comment},
		Actor:      actor.ID,
	})
	if err != nil {
		return err
	}

	if requestID, _ := inst.WorkflowData[actions.ApprovalRequestKey].(string); requestID != "" && e.approvals != nil {
		_, err := e.approvals.Decide(ctx, requestID, approved, actor.ID, comment)
		if err != nil && !errors.Is(err, approval.ErrAlreadyDecided) {
			e.logger.Warn("failed to decide approval request",
				zap.Uint64("instance_id", inst.ID),
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}
	e.publish(ctx, events.ApprovalDecided, *inst, map[string]interface{}{
		"decision":   decision,
		"actor":      actor.ID,
		"transition": transitionName,
		"comment":    comment,
	})
	return nil
}
