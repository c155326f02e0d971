package rules

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/songzhibin97/bizflow/types"
)

// ErrInvalidCondition is returned when a condition cannot be compiled.
var ErrInvalidCondition = errors.New("invalid condition")

// Predicate is a compiled condition.
type Predicate interface {
	Match(data map[string]interface{}) bool
	String() string
}

// FieldEquals holds when the field equals Value.
type FieldEquals struct {
	Field string
	Value interface{}
}

func (p FieldEquals) Match(data map[string]interface{}) bool {
	v, ok := Lookup(data, p.Field)
	return ok && equal(v, p.Value)
}

func (p FieldEquals) String() string { return fmt.Sprintf("%s == %v", p.Field, p.Value) }

// FieldNotEquals holds when the field is absent or differs from Value.
type FieldNotEquals struct {
	Field string
	Value interface{}
}

func (p FieldNotEquals) Match(data map[string]interface{}) bool {
	v, ok := Lookup(data, p.Field)
	return !ok || !equal(v, p.Value)
}

func (p FieldNotEquals) String() string { return fmt.Sprintf("%s != %v", p.Field, p.Value) }

// FieldIn holds when the field equals one of Values.
type FieldIn struct {
	Field  string
	Values []interface{}
}

func (p FieldIn) Match(data map[string]interface{}) bool {
	v, ok := Lookup(data, p.Field)
	return ok && contains(p.Values, v)
}

func (p FieldIn) String() string { return fmt.Sprintf("%s in %v", p.Field, p.Values) }

// FieldNotIn holds when the field is absent or equals none of Values.
type FieldNotIn struct {
	Field  string
	Values []interface{}
}

func (p FieldNotIn) Match(data map[string]interface{}) bool {
	v, ok := Lookup(data, p.Field)
	return !ok || !contains(p.Values, v)
}

func (p FieldNotIn) String() string { return fmt.Sprintf("%s not in %v", p.Field, p.Values) }

// FieldGreaterThan holds when the numeric field is strictly greater than Value.
type FieldGreaterThan struct {
	Field string
	Value float64
}

func (p FieldGreaterThan) Match(data map[string]interface{}) bool {
	v, ok := Lookup(data, p.Field)
	if !ok {
		return false
	}
	n, ok := toFloat(v)
	return ok && n > p.Value
}

func (p FieldGreaterThan) String() string { return fmt.Sprintf("%s > %v", p.Field, p.Value) }

// FieldLessThan holds when the numeric field is strictly less than Value.
type FieldLessThan struct {
	Field string
	Value float64
}

func (p FieldLessThan) Match(data map[string]interface{}) bool {
	v, ok := Lookup(data, p.Field)
	if !ok {
		return false
	}
	n, ok := toFloat(v)
	return ok && n < p.Value
}

func (p FieldLessThan) String() string { return fmt.Sprintf("%s < %v", p.Field, p.Value) }

// Expression holds when the expr-lang expression evaluates to true.
// Evaluation errors count as false.
type Expression struct {
	Source    string
	Evaluator Evaluator
}

func (p Expression) Match(data map[string]interface{}) bool {
	ok, err := p.Evaluator.Evaluate(p.Source, data)
	return err == nil && ok
}

func (p Expression) String() string { return p.Source }

// Never never holds. Unknown operators compile to Never.
type Never struct {
	Operator string
}

func (Never) Match(map[string]interface{}) bool { return false }

func (p Never) String() string { return fmt.Sprintf("never (unknown operator %q)", p.Operator) }

// All holds when every predicate holds. An empty All always holds.
type All []Predicate

func (a All) Match(data map[string]interface{}) bool {
	for _, p := range a {
		if !p.Match(data) {
			return false
		}
	}
	return true
}

func (a All) String() string { return fmt.Sprintf("all%v", []Predicate(a)) }

// Known reports whether op is a supported operator.
func Known(op string) bool {
	switch op {
	case types.OpEquals, types.OpNotEquals, types.OpIn, types.OpNotIn,
		types.OpGreaterThan, types.OpLessThan, types.OpExpr:
		return true
	}
	return false
}

// Compile turns a configured condition into a Predicate. Structurally broken
// conditions return ErrInvalidCondition; unknown operators compile to Never.
func Compile(c types.Condition, ev Evaluator) (Predicate, error) {
	if c.Operator != types.OpExpr && c.Field == "" {
		return nil, fmt.Errorf("%w: missing field for operator %q", ErrInvalidCondition, c.Operator)
	}

	switch c.Operator {
	case types.OpEquals:
		return FieldEquals{Field: c.Field, Value: c.Value}, nil
	case types.OpNotEquals:
		return FieldNotEquals{Field: c.Field, Value: c.Value}, nil
	case types.OpIn, types.OpNotIn:
		values, ok := toList(c.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %q needs a list value, got %T", ErrInvalidCondition, c.Operator, c.Field, c.Value)
		}
		if c.Operator == types.OpIn {
			return FieldIn{Field: c.Field, Values: values}, nil
		}
		return FieldNotIn{Field: c.Field, Values: values}, nil
	case types.OpGreaterThan, types.OpLessThan:
		n, ok := toFloat(c.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %q needs a numeric value, got %T", ErrInvalidCondition, c.Operator, c.Field, c.Value)
		}
		if c.Operator == types.OpGreaterThan {
			return FieldGreaterThan{Field: c.Field, Value: n}, nil
		}
		return FieldLessThan{Field: c.Field, Value: n}, nil
	case types.OpExpr:
		source, ok := c.Value.(string)
		if !ok || source == "" || ev == nil {
			return nil, fmt.Errorf("%w: expr needs a non-empty string value and an evaluator", ErrInvalidCondition)
		}
		if compiler, ok := ev.(interface{ Compile(string) error }); ok {
			if err := compiler.Compile(source); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
			}
		}
		return Expression{Source: source, Evaluator: ev}, nil
	}
	return Never{Operator: c.Operator}, nil
}

// CompileAll compiles every condition into a single conjunction.
func CompileAll(conditions []types.Condition, ev Evaluator) (All, error) {
	all := make(All, 0, len(conditions))
	for i, c := range conditions {
		p, err := Compile(c, ev)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		all = append(all, p)
	}
	return all, nil
}

func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(values []interface{}, v interface{}) bool {
	for _, candidate := range values {
		if equal(candidate, v) {
			return true
		}
	}
	return false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
