package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression; the environment is bound at
// run time so one program serves every instance.
type ExprEvaluator struct {
	boolCache   map[string]*vm.Program
	valueCache  map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		boolCache:   make(map[string]*vm.Program),
		valueCache:  make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a computed variable to every evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided context.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The caller's context is never modified.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	program, err := e.program(e.boolCache, expression, expr.AsBool())
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, e.env(context))
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Eval evaluates expression and returns its raw value.
func (e *ExprEvaluator) Eval(expression string, context map[string]interface{}) (interface{}, error) {
	program, err := e.program(e.valueCache, expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, e.env(context))
}

// Compile checks that expression parses without running it.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(e.valueCache, expression)
	return err
}

func (e *ExprEvaluator) env(context map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(context)+len(e.optionsFunc))
	for k, v := range context {
		env[k] = v
	}
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		env[k] = f(context)
	}
	e.mu.RUnlock()
	return env
}

func (e *ExprEvaluator) program(cache map[string]*vm.Program, expression string, opts ...expr.Option) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = cache[expression]; ok {
		return program, nil
	}
	opts = append(opts, expr.AllowUndefinedVariables())
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression '%s': %w", expression, err)
	}
	cache[expression] = program
	return program, nil
}
