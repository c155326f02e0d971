package workflow

import (
	"context"

	"github.com/songzhibin97/bizflow/types"
)

// Reserved execution context keys.
const (
	ContextRecord   = "record"
	ContextActor    = "actor"
	ContextInstance = "instance"
)

// buildContext assembles the data conditions and actions see. Later sources
// win: record fields, then context data, then workflow data. The reserved
// keys are set last.
func (e *Engine) buildContext(ctx context.Context, op string, inst types.Instance, actor types.Actor) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	var record map[string]interface{}
	if e.erp != nil {
		r, err := e.erp.ReadRecord(ctx, inst.Entity.Type, inst.Entity.ID)
		if err != nil {
			return nil, &Error{Kind: KindActionExecution, Op: op, InstanceID: inst.ID, Step: "read_record", Err: err}
		}
		record = r
		for k, v := range r {
			data[k] = v
		}
	}
	for k, v := range inst.ContextData {
		data[k] = v
	}
	for k, v := range inst.WorkflowData {
		data[k] = v
	}
	if record == nil {
		record = map[string]interface{}{}
	}
	data[ContextRecord] = record
	data[ContextActor] = map[string]interface{}{
		"id":    actor.ID,
		"roles": actor.Roles,
	}
	data[ContextInstance] = map[string]interface{}{
		"id":              inst.ID,
		"definition_id":   inst.DefinitionID,
		"state":           inst.CurrentState,
		"entity_type":     inst.Entity.Type,
		"entity_id":       inst.Entity.ID,
		"status":          inst.Status,
		"approval_status": inst.ApprovalStatus,
	}
	return data, nil
}

// overlay returns a copy of base with extra applied on top.
func overlay(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func mergeInto(dst *map[string]interface{}, src map[string]interface{}) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		(*dst)[k] = v
	}
}
