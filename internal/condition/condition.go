// Package condition wraps a cel-go environment with a compile-and-cache
// evaluator, promoted from the teacher's condition.Evaluator pattern
// (compile once per distinct expression, cache the resulting cel.Program,
// evaluate many times against different variable bindings) into the addon
// pipeline's decorator-selection predicates and the engine's retry/
// jump-back eligibility guards.
package condition

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
)

// Vars are the top-level identifiers every guard expression may reference.
// NewEnv declares exactly these so expressions compile against a fixed,
// known vocabulary instead of an unconstrained dynamic environment.
const (
	VarModuleID        = "module_id"
	VarRequires        = "requires"
	VarModuleOutputs   = "module_outputs"
	VarState           = "state"
)

// NewEnv builds the cel.Env shared by every guard expression in the
// system: addon compatibility predicates and module retry-eligibility
// guards, both evaluated against the same small set of variables.
func NewEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(VarModuleID, cel.StringType),
		cel.Variable(VarRequires, cel.ListType(cel.StringType)),
		cel.Variable(VarModuleOutputs, cel.DynType),
		cel.Variable(VarState, cel.DynType),
	)
}

// Evaluator compiles expressions against env on first use and caches the
// resulting program, so a guard declared on a workflow module or an addon
// is compiled once regardless of how many times the module runs.
type Evaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// New returns an Evaluator backed by env. A nil env makes every EvalBool
// call fail closed (returns false, nil) so CEL remains entirely optional:
// a deployment that never builds a cel.Env still runs, just without any
// guard ever evaluating true.
func New(env *cel.Env) *Evaluator {
	return &Evaluator{env: env, programs: map[string]cel.Program{}}
}

// EvalBool evaluates expr against vars, compiling and caching it on first
// use. An empty expression fails closed (false, nil). An expression that
// fails to compile, evaluate, or type-assert to bool is reported via err
// rather than silently treated as false, so a malformed guard surfaces as a
// validation error instead of quietly never matching.
func (e *Evaluator) EvalBool(expr string, vars map[string]interface{}) (bool, error) {
	if e == nil || e.env == nil {
		return false, nil
	}
	if expr == "" {
		return false, nil
	}
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, errors.Wrap(errors.KindValidation, "evaluate guard expression: "+expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.New(errors.KindValidation, "guard expression did not evaluate to bool: "+expr)
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrap(errors.KindValidation, "compile guard expression: "+expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, "build guard program: "+expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}
