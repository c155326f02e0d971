package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/actions"
	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
)

// ActionOutcome reports one action run during an engine call.
type ActionOutcome struct {
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Phase   string                 `json:"phase"` // state_action or transition
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// AvailableTransition is a qualifying transition as shown to a user.
type AvailableTransition struct {
	ID               uint64                 `json:"id"`
	Name             string                 `json:"name"`
	ToState          string                 `json:"to_state"`
	Label            string                 `json:"label,omitempty"`
	Description      string                 `json:"description,omitempty"`
	RequiresApproval bool                   `json:"requires_approval"`
	RequiredRoles    []string               `json:"required_roles,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionResult is the transport independent outcome of an engine call.
type ExecutionResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	InstanceID     uint64 `json:"instance_id"`
	Status         string `json:"status"`
	ApprovalStatus string `json:"approval_status,omitempty"`
	CurrentState   string `json:"current_state"`
	PreviousState  string `json:"previous_state"`
	Transitioned   bool   `json:"transitioned"`
	// Path lists the states visited, starting with PreviousState.
	Path                 []string              `json:"path"`
	AvailableTransitions []AvailableTransition `json:"available_transitions,omitempty"`
	ActionResults        []ActionOutcome       `json:"action_results,omitempty"`
	ResumeAt             int64                 `json:"resume_at,omitempty"`
}

func newResult(inst types.Instance) *ExecutionResult {
	return &ExecutionResult{
		InstanceID:    inst.ID,
		PreviousState: inst.CurrentState,
		Path:          []string{inst.CurrentState},
	}
}

// finish copies the instance's final view into r and records err.
func (r *ExecutionResult) finish(inst types.Instance, err error) (*ExecutionResult, error) {
	r.Status = inst.Status
	r.ApprovalStatus = inst.ApprovalStatus
	r.CurrentState = inst.CurrentState
	r.ResumeAt = inst.ResumeAt
	r.Success = err == nil
	if err != nil {
		r.Error = err.Error()
	}
	return r, err
}

// Execute runs the current state's actions and follows the single qualifying
// transition, repeating on each new state until the instance completes, stops
// on a choice, waits, or fails.
func (e *Engine) Execute(ctx context.Context, instanceID uint64, actor types.Actor) (*ExecutionResult, error) {
	const op = "Execute"
	actor, err := e.resolveActor(ctx, op, actor)
	if err != nil {
		return nil, err
	}
	return e.locked(ctx, instanceID, func(ctx context.Context, inst types.Instance, def types.Definition) (*ExecutionResult, error) {
		if err := e.checkRunnable(op, inst, def); err != nil {
			return nil, err
		}
		res := newResult(inst)
		if inst.ResumeAt > 0 && e.nowMillis() < inst.ResumeAt {
			return res.finish(inst, nil)
		}
		skipActions := false
		if inst.ResumeAt > 0 {
			inst.ResumeAt = 0
			skipActions = true
		}
		return e.run(ctx, op, &inst, def, actor, res, skipActions)
	})
}

func (e *Engine) checkRunnable(op string, inst types.Instance, def types.Definition) error {
	if inst.Status != types.StatusRunning {
		return newError(KindValidation, op, inst.ID, fmt.Errorf("%w: status %s", ErrInstanceNotRunning, inst.Status))
	}
	if !def.HasState(inst.CurrentState) {
		return &Error{Kind: KindIntegrity, Op: op, InstanceID: inst.ID, Step: inst.CurrentState, Err: ErrUnknownState}
	}
	return nil
}

// run is the execution loop shared by Execute and Approve.
func (e *Engine) run(ctx context.Context, op string, inst *types.Instance, def types.Definition, actor types.Actor, res *ExecutionResult, skipActions bool) (*ExecutionResult, error) {
	for hops := 0; ; hops++ {
		if !def.HasState(inst.CurrentState) {
			return res.finish(*inst, &Error{Kind: KindIntegrity, Op: op, InstanceID: inst.ID, Step: inst.CurrentState, Err: ErrUnknownState})
		}
		data, err := e.buildContext(ctx, op, *inst, actor)
		if err != nil {
			return res.finish(*inst, err)
		}

		if !skipActions {
			actionsRun, err := e.runActions(ctx, op, types.StepStateAction, *inst, def, actor, data, def.States[inst.CurrentState].Actions)
			if err != nil {
				return nil, err
			}
			res.ActionResults = append(res.ActionResults, actionsRun.outcomes...)
			if actionsRun.err != nil {
				return res.finish(*inst, e.failAction(ctx, op, inst, actionsRun.step, actionsRun.err))
			}
			mergeInto(&inst.WorkflowData, actionsRun.data)
			inst.LastExecutedAt = e.nowMillis()
			inst.LastError = ""
			inst.ActionsState = inst.CurrentState
			if actionsRun.pending {
				inst.ApprovalStatus = types.ApprovalPending
			}
			if actionsRun.resumeAt > 0 {
				inst.ResumeAt = actionsRun.resumeAt
				if err := e.saveInstance(ctx, inst); err != nil {
					return nil, err
				}
				return res.finish(*inst, nil)
			}
			data = overlay(data, actionsRun.data)
		}
		skipActions = false

		outgoing, err := e.outgoing(ctx, def.ID, inst.CurrentState)
		if err != nil {
			return nil, err
		}
		if len(outgoing) == 0 {
			if err := e.complete(ctx, inst); err != nil {
				return nil, err
			}
			return res.finish(*inst, nil)
		}

		qualifying, err := e.qualifying(op, outgoing, data)
		if err != nil {
			return res.finish(*inst, err)
		}
		res.AvailableTransitions = available(qualifying)

		next, ok := e.autoTransition(*inst, actor, qualifying)
		if !ok {
			if err := e.saveInstance(ctx, inst); err != nil {
				return nil, err
			}
			return res.finish(*inst, nil)
		}
		if hops >= e.maxHops {
			if err := e.saveInstance(ctx, inst); err != nil {
				return nil, err
			}
			return res.finish(*inst, &Error{Kind: KindConfiguration, Op: op, InstanceID: inst.ID, Step: next.Name,
				Err: fmt.Errorf("%w: %d", ErrHopLimitExceeded, e.maxHops)})
		}
		res.AvailableTransitions = nil
		if err := e.applyTransition(ctx, op, inst, def, next, actor, data, nil, res); err != nil {
			return res.finish(*inst, err)
		}
	}
}

// autoTransition returns the transition Execute may apply on its own: the
// only qualifying transition that is not approval-gated and whose roles the
// actor holds.
func (e *Engine) autoTransition(inst types.Instance, actor types.Actor, qualifying []types.Transition) (types.Transition, bool) {
	if inst.ApprovalStatus == types.ApprovalPending {
		return types.Transition{}, false
	}
	var next types.Transition
	candidates := 0
	for _, t := range qualifying {
		if t.RequiresApproval || !allowed(actor, t.RequiredRoles) {
			continue
		}
		next = t
		candidates++
	}
	return next, candidates == 1
}

func allowed(actor types.Actor, roles []string) bool {
	return len(roles) == 0 || actor.HasAnyRole(roles...)
}

// outgoing lists the transitions leaving state in evaluation order.
func (e *Engine) outgoing(ctx context.Context, definitionID uint64, state string) ([]types.Transition, error) {
	all, err := e.store.ListTransitions(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	out := make([]types.Transition, 0, len(all))
	for _, t := range all {
		if t.FromState == state {
			out = append(out, t)
		}
	}
	return out, nil
}

// qualifying keeps the transitions whose conditions all hold.
func (e *Engine) qualifying(op string, ts []types.Transition, data map[string]interface{}) ([]types.Transition, error) {
	var out []types.Transition
	for _, t := range ts {
		p, err := e.conditions(t)
		if err != nil {
			return nil, &Error{Kind: KindConfiguration, Op: op, Step: t.Name, Err: err}
		}
		if p.Match(data) {
			out = append(out, t)
		}
	}
	return out, nil
}

func available(ts []types.Transition) []AvailableTransition {
	out := make([]AvailableTransition, 0, len(ts))
	for _, t := range ts {
		out = append(out, AvailableTransition{
			ID:               t.ID,
			Name:             t.Name,
			ToState:          t.ToState,
			Label:            t.Label,
			Description:      t.Description,
			RequiresApproval: t.RequiresApproval,
			RequiredRoles:    t.RequiredRoles,
			Metadata:         t.Metadata,
		})
	}
	return out
}

// ExecuteTransition applies a named transition from the current state. It
// does not run the new state's actions; the next Execute does.
func (e *Engine) ExecuteTransition(ctx context.Context, instanceID uint64, transitionName string, actor types.Actor, contextData map[string]interface{}) (*ExecutionResult, error) {
	const op = "ExecuteTransition"
	actor, err := e.resolveActor(ctx, op, actor)
	if err != nil {
		return nil, err
	}
	return e.locked(ctx, instanceID, func(ctx context.Context, inst types.Instance, def types.Definition) (*ExecutionResult, error) {
		if err := e.checkRunnable(op, inst, def); err != nil {
			return nil, err
		}
		t, err := e.findTransition(ctx, op, inst, transitionName)
		if err != nil {
			return nil, err
		}
		if !allowed(actor, t.RequiredRoles) {
			return nil, &Error{Kind: KindPermission, Op: op, InstanceID: inst.ID, Step: t.Name,
				Err: fmt.Errorf("actor %q needs one of %v", actor.ID, t.RequiredRoles)}
		}
		if inst.ApprovalStatus == types.ApprovalPending ||
			(t.RequiresApproval && inst.ApprovalStatus != types.ApprovalApproved) {
			return nil, &Error{Kind: KindValidation, Op: op, InstanceID: inst.ID, Step: t.Name, Err: ErrApprovalRequired}
		}
		data, err := e.buildContext(ctx, op, inst, actor)
		if err != nil {
			return nil, err
		}
		data = overlay(data, contextData)
		if err := e.checkConditions(op, inst, t, data); err != nil {
			return nil, err
		}

		res := newResult(inst)
		if err := e.applyTransition(ctx, op, &inst, def, t, actor, data, contextData, res); err != nil {
			return res.finish(inst, err)
		}
		if err := e.completeIfFinal(ctx, &inst, def); err != nil {
			return nil, err
		}
		return res.finish(inst, nil)
	})
}

func (e *Engine) findTransition(ctx context.Context, op string, inst types.Instance, name string) (types.Transition, error) {
	outgoing, err := e.outgoing(ctx, inst.DefinitionID, inst.CurrentState)
	if err != nil {
		return types.Transition{}, err
	}
	for _, t := range outgoing {
		if t.Name == name {
			return t, nil
		}
	}
	return types.Transition{}, &Error{Kind: KindValidation, Op: op, InstanceID: inst.ID, Step: name,
		Err: fmt.Errorf("%w: %q from %q", ErrTransitionUnavailable, name, inst.CurrentState)}
}

func (e *Engine) checkConditions(op string, inst types.Instance, t types.Transition, data map[string]interface{}) error {
	p, err := e.conditions(t)
	if err != nil {
		return &Error{Kind: KindConfiguration, Op: op, InstanceID: inst.ID, Step: t.Name, Err: err}
	}
	if !p.Match(data) {
		return &Error{Kind: KindValidation, Op: op, InstanceID: inst.ID, Step: t.Name, Err: ErrConditionsNotMet}
	}
	return nil
}

// applyTransition runs t's actions and, when they all succeed, moves the
// instance to t.ToState, merges extra and the actions' data into the
// workflow data and saves it. Exactly one transition log entry is written
// either way. A delay among transition actions does not park the instance.
func (e *Engine) applyTransition(ctx context.Context, op string, inst *types.Instance, def types.Definition, t types.Transition, actor types.Actor, data, extra map[string]interface{}, res *ExecutionResult) error {
	actionsRun, err := e.runActions(ctx, op, types.StepTransition, *inst, def, actor, data, t.Actions)
	if err != nil {
		return err
	}
	res.ActionResults = append(res.ActionResults, actionsRun.outcomes...)

	from := inst.CurrentState
	entry := types.ExecutionLogEntry{
		InstanceID: inst.ID,
		StepName:   t.Name,
		StepType:   types.StepTransition,
		Input:      map[string]interface{}{"from": from, "to": t.ToState},
		Output:     map[string]interface{}{"actions": actionsRun.outcomes},
		Actor:      actor.ID,
	}
	if actionsRun.err != nil {
		entry.Status = types.LogFailed
		entry.Error = actionsRun.err.Error()
		if err := e.appendLog(ctx, entry); err != nil {
			return err
		}
		return e.failAction(ctx, op, inst, actionsRun.step, actionsRun.err)
	}

	mergeInto(&inst.WorkflowData, extra)
	mergeInto(&inst.WorkflowData, actionsRun.data)
	inst.CurrentState = t.ToState
	inst.LastExecutedAt = e.nowMillis()
	inst.LastError = ""
	inst.ResumeAt = 0
	inst.ActionsState = ""
	if actionsRun.pending {
		inst.ApprovalStatus = types.ApprovalPending
	}
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	entry.Status = types.LogSuccess
	if err := e.appendLog(ctx, entry); err != nil {
		return err
	}

	res.Transitioned = true
	res.Path = append(res.Path, t.ToState)
	e.logger.Debug("transition applied",
		zap.Uint64("instance_id", inst.ID),
		zap.String("transition", t.Name),
		zap.String("from", from),
		zap.String("to", t.ToState))
	e.publish(ctx, events.StateChanged, *inst, map[string]interface{}{
		"from":       from,
		"to":         t.ToState,
		"transition": t.Name,
		"actor":      actor.ID,
	})
	return nil
}

// completeIfFinal completes an instance parked in a state with nothing left
// to do.
func (e *Engine) completeIfFinal(ctx context.Context, inst *types.Instance, def types.Definition) error {
	if inst.Status != types.StatusRunning || len(def.States[inst.CurrentState].Actions) > 0 {
		return nil
	}
	outgoing, err := e.outgoing(ctx, def.ID, inst.CurrentState)
	if err != nil || len(outgoing) > 0 {
		return err
	}
	return e.complete(ctx, inst)
}

func (e *Engine) complete(ctx context.Context, inst *types.Instance) error {
	inst.Status = types.StatusCompleted
	inst.CompletedAt = e.nowMillis()
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}
	e.publish(ctx, events.InstanceCompleted, *inst, map[string]interface{}{"state": inst.CurrentState})
	return nil
}

// actionRun is the outcome of running one list of actions.
type actionRun struct {
	outcomes []ActionOutcome
	data     map[string]interface{}
	pending  bool
	resumeAt int64
	// step and err name the first failing action.
	step string
	err  error
}

// runActions runs configs in order and stops at the first failure. Each
// state action gets its own log entry; transition actions are reported
// through the transition's entry. The returned error is reserved for
// configuration and storage problems.
func (e *Engine) runActions(ctx context.Context, op, phase string, inst types.Instance, def types.Definition, actor types.Actor, data map[string]interface{}, configs []types.ActionConfig) (actionRun, error) {
	var run actionRun
	logEach := phase == types.StepStateAction
	data = overlay(data, nil)

	for i, ac := range configs {
		name := ac.Name
		if name == "" {
			name = ac.Type
		}
		action, err := e.buildAction(op, inst.ID, ac)
		if err != nil {
			return run, err
		}

		r, err := action.Execute(ctx, actions.Env{Instance: inst, Definition: def, Actor: actor, Step: name, Data: data})
		if err == nil && !r.Success {
			msg := r.Message
			if msg == "" {
				msg = "action reported failure"
			}
			err = errors.New(msg)
		}

		outcome := ActionOutcome{Name: name, Type: ac.Type, Phase: phase, Message: r.Message, Data: r.Data}
		entry := types.ExecutionLogEntry{
			InstanceID: inst.ID,
			StepName:   name,
			StepType:   types.StepStateAction,
			Input:      ac.Config,
			Output:     r.Data,
			Actor:      actor.ID,
		}
		if err != nil {
			outcome.Status = types.LogFailed
			outcome.Error = err.Error()
			run.outcomes = append(run.outcomes, outcome)
			run.step, run.err = name, err
			e.logger.Warn("action failed",
				zap.Uint64("instance_id", inst.ID),
				zap.String("step", name),
				zap.String("type", ac.Type),
				zap.Error(err))
			if logEach {
				entry.Status = types.LogFailed
				entry.Error = err.Error()
				if err := e.appendLog(ctx, entry); err != nil {
					return run, err
				}
			}
			if err := e.skipRemaining(ctx, phase, inst, actor, configs[i+1:], &run, logEach); err != nil {
				return run, err
			}
			return run, nil
		}

		outcome.Status = types.LogSuccess
		run.outcomes = append(run.outcomes, outcome)
		mergeInto(&run.data, r.Data)
		for k, v := range r.Data {
			data[k] = v
		}
		run.pending = run.pending || r.Pending
		if r.ResumeAt > run.resumeAt {
			run.resumeAt = r.ResumeAt
		}
		if logEach {
			entry.Status = types.LogSuccess
			if err := e.appendLog(ctx, entry); err != nil {
				return run, err
			}
		}
	}
	return run, nil
}

func (e *Engine) skipRemaining(ctx context.Context, phase string, inst types.Instance, actor types.Actor, rest []types.ActionConfig, run *actionRun, logEach bool) error {
	for _, ac := range rest {
		name := ac.Name
		if name == "" {
			name = ac.Type
		}
		run.outcomes = append(run.outcomes, ActionOutcome{Name: name, Type: ac.Type, Phase: phase, Status: types.LogSkipped})
		if !logEach {
			continue
		}
		err := e.appendLog(ctx, types.ExecutionLogEntry{
			InstanceID: inst.ID,
			StepName:   name,
			StepType:   types.StepStateAction,
			Status:     types.LogSkipped,
			Input:      ac.Config,
			Actor:      actor.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// failAction records an action failure on the instance. Permanent failures
// fail the instance, awaiting-input failures pause it, anything else leaves
// it running in its current state.
func (e *Engine) failAction(ctx context.Context, op string, inst *types.Instance, step string, actionErr error) error {
	inst.LastError = actionErr.Error()
	switch {
	case errors.Is(actionErr, actions.ErrPermanent):
		inst.Status = types.StatusFailed
		inst.CompletedAt = e.nowMillis()
	case errors.Is(actionErr, actions.ErrAwaitingInput):
		inst.Status = types.StatusPaused
		inst.CompletedAt = e.nowMillis()
	}
	if err := e.saveInstance(ctx, inst); err != nil {
		return err
	}

	e.publish(ctx, events.ActionFailed, *inst, map[string]interface{}{
		"step":  step,
		"state": inst.CurrentState,
		"error": actionErr.Error(),
	})
	if inst.Status == types.StatusFailed {
		e.publish(ctx, events.InstanceFailed, *inst, map[string]interface{}{"error": actionErr.Error()})
	}
	return &Error{Kind: KindActionExecution, Op: op, InstanceID: inst.ID, Step: step, Err: actionErr}
}
