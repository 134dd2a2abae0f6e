// Package rules evaluates branch and skip conditions against a user's
// accumulated answers. Conditions are expr expressions over the environment
// built by the flow engine (`answered`/`skipped` maps plus the aggregate
// counters), never arbitrary code.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a condition holds for an answers environment.
type Evaluator interface {
	Evaluate(condition string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a
// compiled-program cache.
type ExprEvaluator struct {
	programs map[string]*vm.Program
	mu       sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{programs: make(map[string]*vm.Program)}
}

func (e *ExprEvaluator) compile(condition string, env map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.programs[condition]; ok {
		return program, nil
	}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", condition, err)
	}
	e.programs[condition] = program
	return program, nil
}

// Evaluate evaluates the given condition against the provided environment.
// The condition must evaluate to a boolean; otherwise an error is returned.
func (e *ExprEvaluator) Evaluate(condition string, env map[string]interface{}) (bool, error) {
	program, err := e.compile(condition, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to run condition %q: %w", condition, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", condition, result)
	}
	return b, nil
}
