package storage

import "github.com/songzhibin97/bizflow/types"

// cloneValue copies nested maps and slices so stored values never alias
// caller-owned data.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneConditions(cs []types.Condition) []types.Condition {
	if cs == nil {
		return nil
	}
	out := make([]types.Condition, len(cs))
	for i, c := range cs {
		out[i] = types.Condition{Field: c.Field, Operator: c.Operator, Value: cloneValue(c.Value)}
	}
	return out
}

func cloneActions(as []types.ActionConfig) []types.ActionConfig {
	if as == nil {
		return nil
	}
	out := make([]types.ActionConfig, len(as))
	for i, a := range as {
		out[i] = types.ActionConfig{Name: a.Name, Type: a.Type, Config: cloneMap(a.Config)}
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneDefinition(d types.Definition) types.Definition {
	out := d
	out.TriggerConditions = cloneConditions(d.TriggerConditions)
	out.ApprovalRoles = cloneStrings(d.ApprovalRoles)
	if d.States != nil {
		out.States = make(map[string]types.StateConfig, len(d.States))
		for name, st := range d.States {
			out.States[name] = types.StateConfig{Actions: cloneActions(st.Actions), Metadata: cloneMap(st.Metadata)}
		}
	}
	if d.Schedule != nil {
		s := *d.Schedule
		out.Schedule = &s
	}
	return out
}

func cloneTransition(t types.Transition) types.Transition {
	out := t
	out.Conditions = cloneConditions(t.Conditions)
	out.Actions = cloneActions(t.Actions)
	out.RequiredRoles = cloneStrings(t.RequiredRoles)
	out.Metadata = cloneMap(t.Metadata)
	return out
}

func cloneInstance(inst types.Instance) types.Instance {
	out := inst
	out.WorkflowData = cloneMap(inst.WorkflowData)
	out.ContextData = cloneMap(inst.ContextData)
	return out
}

func cloneLog(e types.ExecutionLogEntry) types.ExecutionLogEntry {
	out := e
	out.Input = cloneMap(e.Input)
	out.Output = cloneMap(e.Output)
	return out
}
