// Package expr provides the CEL-Go based expression engine used by
// compliance constraints.
package expr

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/heron/internal/domain"
)

// Engine compiles and evaluates boolean CEL expressions over a candidate
// recommendation and the customer's features. Compiled programs are cached
// by expression text.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	programs   map[string]cel.Program
	maxWorkers int
}

// Input holds the variables for a single evaluation.
type Input struct {
	TenantID       string
	DecisionType   string
	Recommendation map[string]any
	Features       map[string]any
}

// NewEngine creates a new expression engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("recommendation", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("decision_type", cel.StringType),
		// features mix ints and doubles; allow comparing across them
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		programs:   make(map[string]cel.Program),
		maxWorkers: maxWorkers,
	}, nil
}

// Validate compiles an expression without caching it.
func (e *Engine) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Program returns the cached program for expression, compiling it on first use.
func (e *Engine) Program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// Match evaluates expression against in.
func (e *Engine) Match(ctx context.Context, expression string, in *Input) (bool, error) {
	prg, err := e.Program(expression)
	if err != nil {
		return false, err
	}
	return e.eval(ctx, prg, in)
}

// MatchAll evaluates expression against every input in parallel. The
// result slice is indexed like inputs. The first evaluation error is
// returned alongside the partial results.
func (e *Engine) MatchAll(ctx context.Context, expression string, inputs []*Input) ([]bool, error) {
	prg, err := e.Program(expression)
	if err != nil {
		return nil, err
	}

	results := make([]bool, len(inputs))
	errs := make([]error, len(inputs))
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, in := range inputs {
		wg.Add(1)
		go func(idx int, in *Input) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx], errs[idx] = e.eval(ctx, prg, in)
		}(i, in)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ProgramsCount returns the number of cached programs.
func (e *Engine) ProgramsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close drops all cached programs.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

func (e *Engine) eval(ctx context.Context, prg cel.Program, in *Input) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	activation := map[string]any{
		"recommendation": orEmpty(in.Recommendation),
		"features":       orEmpty(in.Features),
		"tenant_id":      in.TenantID,
		"decision_type":  in.DecisionType,
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, want bool", out.Type())
	}
	return bool(b), nil
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is required")
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DynType {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expression, outputType)
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expression, err)
	}
	return prg, nil
}

// RecommendationVars flattens a recommendation into CEL variables.
func RecommendationVars(r *domain.Recommendation) map[string]any {
	return map[string]any{
		"id":              r.ID,
		"type":            string(r.Type),
		"text":            r.Text,
		"confidence":      r.Confidence,
		"expected_value":  r.ExpectedValue,
		"priority":        string(r.Priority),
		"conversion_rate": r.Target.ConversionRate,
		"revenue":         r.Target.Revenue,
		"engagement":      r.Target.Engagement,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
