package expressions

import (
	"context"
	"fmt"

	"github.com/weftflow/weft/pkg/schema"
)

// DefaultLanguage is used when a transition names no condition language.
const DefaultLanguage = "expr"

// Evaluator dispatches expressions to the engine registered for their
// language.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator creates an Evaluator with all three engines registered.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init CEL engine: %w", err)
	}

	ev := &Evaluator{engines: make(map[string]Engine)}
	for _, e := range []Engine{NewExprEngine(), celEngine, NewGoJQEngine()} {
		ev.engines[e.Name()] = e
	}
	return ev, nil
}

// Evaluate runs an expression in the given language against the snapshot.
// An empty language selects the default.
func (ev *Evaluator) Evaluate(ctx context.Context, language, expression string, data map[string]any) (any, error) {
	if language == "" {
		language = DefaultLanguage
	}
	engine, ok := ev.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", language)
	}
	return engine.Evaluate(ctx, expression, data)
}

// EvaluateBool runs a condition and requires a boolean result. Routing
// conditions that produce anything else are definition bugs, reported as
// evaluation errors rather than coerced.
func (ev *Evaluator) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	out, err := ev.Evaluate(ctx, language, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q produced %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "language": language})
	}
	return b, nil
}
