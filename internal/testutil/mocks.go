package testutil

import (
	"context"
	"sync"

	"github.com/tamv/isabella/internal/core"
)

// MockEvaluator implements a scripted security evaluator for testing.
// With no EvaluateFunc it allows every task.
type MockEvaluator struct {
	EvaluateFunc func(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error)

	mu    sync.Mutex
	calls []core.AgentTask
}

// EvaluateTask records the task and calls the mock function if set.
func (m *MockEvaluator) EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task)
	m.mu.Unlock()

	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, task)
	}
	return core.SecurityDecision{Allow: true}, nil
}

// Calls returns the tasks evaluated so far
func (m *MockEvaluator) Calls() []core.AgentTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.AgentTask, len(m.calls))
	copy(out, m.calls)
	return out
}

// Deny returns an evaluator that denies everything with reason
func Deny(reason string) *MockEvaluator {
	return &MockEvaluator{
		EvaluateFunc: func(context.Context, core.AgentTask) (core.SecurityDecision, error) {
			return core.SecurityDecision{Allow: false, Reason: reason}, nil
		},
	}
}

// Failing returns an evaluator whose every call fails with err
func Failing(err error) *MockEvaluator {
	return &MockEvaluator{
		EvaluateFunc: func(context.Context, core.AgentTask) (core.SecurityDecision, error) {
			return core.SecurityDecision{}, err
		},
	}
}

// MockRecorder captures recorded tasks and crums
type MockRecorder struct {
	Err error

	mu    sync.Mutex
	tasks []core.AgentTask
	crums []core.TAMVCrum
}

// RecordTask stores task and returns Err
func (m *MockRecorder) RecordTask(task core.AgentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return m.Err
}

// RecordCrum stores crum and returns Err
func (m *MockRecorder) RecordCrum(crum core.TAMVCrum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crums = append(m.crums, crum)
	return m.Err
}

// Tasks returns the recorded tasks
func (m *MockRecorder) Tasks() []core.AgentTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.AgentTask(nil), m.tasks...)
}

// Crums returns the recorded crums
func (m *MockRecorder) Crums() []core.TAMVCrum {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.TAMVCrum(nil), m.crums...)
}
