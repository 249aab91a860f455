package orchestrator

import (
	"context"

	"github.com/tamv/isabella/internal/core"
)

// SecurityEvaluator decides whether a signed task may proceed. It is called
// exactly once per task. Denial is returned as a decision, not an error;
// errors mean the evaluator itself failed.
type SecurityEvaluator interface {
	EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error)
}

// EvaluatorFunc adapts a function to SecurityEvaluator
type EvaluatorFunc func(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error)

// EvaluateTask calls f
func (f EvaluatorFunc) EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error) {
	return f(ctx, task)
}

// AllowAll approves every task
var AllowAll = EvaluatorFunc(func(context.Context, core.AgentTask) (core.SecurityDecision, error) {
	return core.SecurityDecision{Allow: true}, nil
})
