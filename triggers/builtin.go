package triggers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
	"github.com/songzhibin97/bizflow/workflow"
)

// Built-in trigger type names.
const (
	TypeOnCreate      = "on_create"
	TypeOnUpdate      = "on_update"
	TypeOnStateChange = "on_state_change"
)

// DefaultStateField is the record field on_state_change watches.
const DefaultStateField = "state"

// RegisterBuiltins registers on_create, on_update and on_state_change.
func RegisterBuiltins(reg *Registry, engine Engine) error {
	builtins := []struct {
		name    string
		factory Factory
	}{
		{TypeOnCreate, func(map[string]interface{}) (Trigger, error) {
			return &recordTrigger{engine: engine, typeName: TypeOnCreate, kind: types.RecordCreated}, nil
		}},
		{TypeOnUpdate, func(map[string]interface{}) (Trigger, error) {
			return &recordTrigger{engine: engine, typeName: TypeOnUpdate, kind: types.RecordUpdated}, nil
		}},
		{TypeOnStateChange, func(config map[string]interface{}) (Trigger, error) {
			return newStateChangeTrigger(engine, config)
		}},
	}
	for _, b := range builtins {
		if err := reg.Register(b.name, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// recordTrigger fires on one kind of record event.
type recordTrigger struct {
	engine   Engine
	typeName string
	kind     string
}

func (t *recordTrigger) Type() string { return t.typeName }

func (t *recordTrigger) ShouldTrigger(event events.Event) bool {
	return event.Type == t.kind && event.Record != nil
}

func (t *recordTrigger) Execute(ctx context.Context, event events.Event, actor types.Actor) ([]*workflow.ExecutionResult, error) {
	return start(ctx, t.engine, t.typeName, event, actor)
}

// stateChangeTrigger fires when the watched field of a record changes,
// optionally only between given values.
type stateChangeTrigger struct {
	engine Engine
	field  string
	from   string
	to     string
}

func newStateChangeTrigger(engine Engine, config map[string]interface{}) (*stateChangeTrigger, error) {
	t := &stateChangeTrigger{engine: engine, field: DefaultStateField}
	for key, dst := range map[string]*string{"state_field": &t.field, "from": &t.from, "to": &t.to} {
		v, ok := config[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidConfig, key, v)
		}
		if s != "" {
			*dst = s
		}
	}
	return t, nil
}

func (t *stateChangeTrigger) Type() string { return TypeOnStateChange }

// ShouldTrigger watches record.state_changed for the default field and
// record.updated for any other field, so one change fires once.
func (t *stateChangeTrigger) ShouldTrigger(event events.Event) bool {
	want := types.RecordUpdated
	if t.field == DefaultStateField {
		want = types.RecordStateChanged
	}
	if event.Type != want || event.Record == nil {
		return false
	}
	before, after := event.Record.Previous[t.field], event.Record.Payload[t.field]
	if reflect.DeepEqual(before, after) {
		return false
	}
	if t.from != "" && fmt.Sprint(before) != t.from {
		return false
	}
	return t.to == "" || fmt.Sprint(after) == t.to
}

func (t *stateChangeTrigger) Execute(ctx context.Context, event events.Event, actor types.Actor) ([]*workflow.ExecutionResult, error) {
	return start(ctx, t.engine, TypeOnStateChange, event, actor)
}
