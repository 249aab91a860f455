package sentinel

import (
	"context"
	"fmt"

	"github.com/tamv/isabella/internal/core"
)

// Evaluator matches orchestrator.SecurityEvaluator
type Evaluator interface {
	EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error)
}

// Chain runs evaluators in order. The first denial or error stops the chain.
type Chain []Evaluator

// EvaluateTask allows only when every evaluator allows. An empty chain allows.
func (c Chain) EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error) {
	for i, e := range c {
		decision, err := e.EvaluateTask(ctx, task)
		if err != nil {
			return core.SecurityDecision{}, fmt.Errorf("evaluator %d: %w", i, err)
		}
		if !decision.Allow {
			return decision, nil
		}
	}
	return allow(), nil
}
