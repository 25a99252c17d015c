package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Guard evaluates `when` expressions against the form-data mapping.
// Compiled programs are cached by expression text since rule sets only
// change on reload.
type Guard struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewGuard() (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("form_data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("operator_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Guard{env: env, programs: make(map[string]cel.Program)}, nil
}

// Validate checks that an expression compiles and yields a bool.
func (g *Guard) Validate(expression string) error {
	_, err := g.compile(expression)
	return err
}

// Allows reports whether the action guarded by expression should run. An
// empty expression always allows.
func (g *Guard) Allows(ctx context.Context, expression string, in Input) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := g.program(expression)
	if err != nil {
		return false, err
	}

	result, _, err := program.ContextEval(ctx, map[string]interface{}{
		"form_data":   in.FormData,
		"operator_id": in.OperatorID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate guard expression: %w", err)
	}

	allowed, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard expression did not return bool, got %T", result.Value())
	}
	return allowed, nil
}

func (g *Guard) program(expression string) (cel.Program, error) {
	g.mu.RLock()
	program, ok := g.programs[expression]
	g.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := g.compile(expression)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.programs[expression] = program
	g.mu.Unlock()
	return program, nil
}

func (g *Guard) compile(expression string) (cel.Program, error) {
	ast, issues := g.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("guard expression must return bool, got %v", ast.OutputType())
	}
	return g.env.Program(ast)
}
