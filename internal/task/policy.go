package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/consistency/internal/domain"
	goValuate "gopkg.in/Knetic/govaluate.v3"
)

// DefaultAlertExpression alerts on the second to fourth failed attempt.
const DefaultAlertExpression = "executeTimes > 1 && executeTimes < 5"

// FallbackHandler runs in place of further retries once an instance has
// failed more often than the fallback threshold.
type FallbackHandler interface {
	Fallback(ctx context.Context, inst *domain.TaskInstance) error
}

// FallbackFunc adapts a function to FallbackHandler.
type FallbackFunc func(ctx context.Context, inst *domain.TaskInstance) error

// Fallback implements FallbackHandler.
func (f FallbackFunc) Fallback(ctx context.Context, inst *domain.TaskInstance) error {
	return f(ctx, inst)
}

// FallbackResolver looks fallback handlers up by the name stored on an
// instance. capability.Registry[FallbackHandler] satisfies it.
type FallbackResolver interface {
	Resolve(name string) (FallbackHandler, error)
}

// AlertNotifier delivers an alert for inst to the sink called name, or to
// the default sink when name is empty.
type AlertNotifier interface {
	Notify(ctx context.Context, name string, inst *domain.TaskInstance) error
}

// AlertEvaluator decides whether an instance should raise an alert. The
// expression sees a single variable, executeTimes. Compiled expressions
// are cached by source text.
type AlertEvaluator struct {
	defaultExpression string
	compiled          sync.Map
}

// NewAlertEvaluator creates an evaluator. An empty defaultExpression uses
// DefaultAlertExpression.
func NewAlertEvaluator(defaultExpression string) *AlertEvaluator {
	if defaultExpression == "" {
		defaultExpression = DefaultAlertExpression
	}
	return &AlertEvaluator{defaultExpression: defaultExpression}
}

// ShouldAlert evaluates the instance's alert expression, or the default
// one if the instance has none.
func (e *AlertEvaluator) ShouldAlert(inst *domain.TaskInstance) (bool, error) {
	expr := inst.AlertExpression
	if expr == "" {
		expr = e.defaultExpression
	}

	compiled, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	result, err := compiled.Evaluate(map[string]any{
		"executeTimes": float64(inst.ExecuteTimes),
	})
	if err != nil {
		return false, fmt.Errorf("cannot evaluate alert expression %q: %w", expr, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("alert expression %q returned %T, want bool", expr, result)
	}
	return b, nil
}

func (e *AlertEvaluator) compile(expr string) (*goValuate.EvaluableExpression, error) {
	if v, ok := e.compiled.Load(expr); ok {
		return v.(*goValuate.EvaluableExpression), nil
	}
	compiled, err := goValuate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("cannot compile alert expression %q: %w", expr, err)
	}
	e.compiled.Store(expr, compiled)
	return compiled, nil
}
