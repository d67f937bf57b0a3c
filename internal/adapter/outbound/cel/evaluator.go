// Package cel wires google/cel-go into the interceptor chain's predicate
// and rule-condition evaluation.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds how large an operator-supplied rule expression
// may be before it is rejected at registration time.
const maxExpressionLength = 1024

// maxCostBudget bounds the CEL runtime cost to prevent a pathological
// expression from exhausting CPU on the hot interception path.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket/brace nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation's wall-clock time.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked during evaluation.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions against an
// InterceptContext activation map.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates an Evaluator using the intercept-context environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewInterceptEnvironment()
	if err != nil {
		return nil, fmt.Errorf("cel: create environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled
// program bounded by a cost limit and interrupt-check frequency.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: build program: %w", err)
	}
	return prg, nil
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("cel: expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that expr is syntactically valid, within the
// length/nesting limits, and compiles cleanly.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("cel: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("cel: expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("cel: invalid expression: %w", err)
	}
	return nil
}

// Evaluate runs a compiled program against activation, bounded by
// evalTimeout, and requires the result to be boolean.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, activation map[string]interface{}) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("cel: evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
