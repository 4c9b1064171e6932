// Package condition evaluates the expressions behind condition nodes:
// CEL programs for custom expressions and the max-iteration probe that
// ends person_job loops.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/execution"
)

// Condition type tags understood by the condition handler.
const (
	TypeCustom        = "custom"
	TypeDetectMaxIter = "detect_max_iterations"
)

// Evaluator compiles and runs CEL expressions with a program cache.
// Safe for concurrent use across executions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator returns an evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs expr against the node's resolved inputs and the
// execution variables. The expression must yield a boolean.
func (e *Evaluator) Evaluate(expr string, inputs, vars map[string]any) (bool, error) {
	if expr == "" {
		return false, &execution.ValidationError{Reason: "condition has no expression"}
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	if inputs == nil {
		inputs = map[string]any{}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"inputs": inputs,
		"vars":   vars,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, &execution.ValidationError{
			Reason: fmt.Sprintf("condition %q yields %T, want bool", expr, out.Value()),
		}
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &execution.ValidationError{
			Reason: fmt.Sprintf("compile condition %q: %v", expr, issues.Err()),
		}
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build CEL program for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of compiled programs held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// ClearCache drops all compiled programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// History is the slice of execution history the max-iteration probe
// needs: each node's current status.
type History interface {
	Status(node diagram.NodeID) execution.NodeStatus
}

// DetectMaxIterations reports whether every person_job sitting on a
// loop has been stopped at its iteration budget, which the budget
// guard records as MAXITER_REACHED. A job that merely completed its
// last allowed iteration keeps the probe false until the guard fires.
// person_jobs outside any loop run once and do not hold the probe
// open.
func DetectMaxIterations(d *diagram.Diagram, hist History) bool {
	probed := false
	for _, id := range d.NodesOfKind(diagram.KindPersonJob) {
		if !d.InLoop(id) {
			continue
		}
		probed = true
		if hist.Status(id) != execution.NodeMaxIterations {
			return false
		}
	}
	return probed
}
