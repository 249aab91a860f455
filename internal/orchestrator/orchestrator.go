// Package orchestrator turns task inputs into final dispositions: it signs a
// pending task, asks a SecurityEvaluator once, and finalizes the task as
// blocked or completed.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
	"github.com/tamv/isabella/internal/logging"
	"github.com/tamv/isabella/internal/metrics"
	"github.com/tamv/isabella/internal/signer"
)

// Recorder persists terminal tasks, e.g. *ledger.Recorder
type Recorder interface {
	RecordTask(task core.AgentTask) error
}

// Orchestrator executes tasks on behalf of one agent. It holds no per-task
// state, so one instance may serve concurrent ExecuteTask calls.
type Orchestrator struct {
	agent      core.AgentIdentity
	evaluator  SecurityEvaluator
	creatorCtx *core.CreatorSessionContext
	signer     *signer.Signer
	logger     *logging.Logger
	metrics    *metrics.Metrics
	recorder   Recorder
	now        func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithCreatorSession attaches the creator session presented with every task
func WithCreatorSession(ctx core.CreatorSessionContext) Option {
	return func(o *Orchestrator) { o.creatorCtx = &ctx }
}

// WithSigner replaces the default signer built from the legacy creator constants
func WithSigner(s *signer.Signer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.signer = s
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records outcomes and evaluator latency
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder writes every disposition to an audit trail
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock sets the clock used to time evaluator calls
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator for agent. evaluator must not be nil.
func New(agent core.AgentIdentity, evaluator SecurityEvaluator, opts ...Option) (*Orchestrator, error) {
	if evaluator == nil {
		return nil, core.ErrNoEvaluator
	}

	o := &Orchestrator{
		agent:     agent,
		evaluator: evaluator,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.signer == nil {
		o.signer = signer.New(identity.NewVerifier(identity.DefaultCreator()))
	}
	o.logger = o.logger.WithFields(map[string]any{
		"agent": agent.ID,
		"role":  agent.Role,
	})

	if o.signer.IsCreatorAgent(agent) {
		o.logger.Info("creator-owned agent recognized (%s)", o.signer.CreatorDID())
	}

	return o, nil
}

// Agent returns the identity tasks are executed as
func (o *Orchestrator) Agent() core.AgentIdentity {
	return o.agent
}

// ExecuteTask signs input as a task for the held agent, evaluates it once and
// returns the finalized task. If the evaluator fails, the still-pending task is
// returned with the wrapped error.
func (o *Orchestrator) ExecuteTask(ctx context.Context, input any) (core.AgentTask, error) {
	return o.execute(ctx, input, o.creatorCtx)
}

// ExecuteTaskWithSession is ExecuteTask with a per-call creator session that
// overrides the one configured at construction. A nil session means none.
func (o *Orchestrator) ExecuteTaskWithSession(ctx context.Context, input any, session *core.CreatorSessionContext) (core.AgentTask, error) {
	return o.execute(ctx, input, session)
}

func (o *Orchestrator) execute(ctx context.Context, input any, session *core.CreatorSessionContext) (core.AgentTask, error) {
	task := o.signer.SignTask(signer.Partial{
		AssignedTo: o.agent.Role,
		Input:      input,
	}, o.agent, session)

	log := o.logger.WithFields(map[string]any{
		"task": task.TaskID,
		"risk": task.RiskLevel,
	})

	start := o.now()
	decision, err := o.evaluator.EvaluateTask(ctx, task)
	o.metrics.ObserveEvaluatorLatency(o.now().Sub(start))
	if err != nil {
		o.metrics.IncrementEvaluatorError()
		log.WithError(err).Error("security evaluation failed")
		return task, fmt.Errorf("%w: task %s: %w", core.ErrEvaluatorFailed, task.TaskID, err)
	}

	task, err = Finalize(task, decision)
	if err != nil {
		return task, err
	}

	if task.Status == core.TaskBlocked {
		log.Warn("task blocked: %s", decision.Reason)
	} else {
		log.Debug("task completed")
	}

	o.metrics.IncrementOutcome(string(task.Status), string(task.RiskLevel))
	if o.recorder != nil {
		if err := o.recorder.RecordTask(task); err != nil {
			log.WithError(err).Error("failed to record task")
		}
	}

	return task, nil
}

// Finalize applies an evaluator decision to a pending task. Denied tasks are
// blocked with the reason as result error; allowed tasks complete with a
// placeholder success result. Terminal tasks are never changed.
func Finalize(task core.AgentTask, decision core.SecurityDecision) (core.AgentTask, error) {
	if task.Status.IsTerminal() {
		return task, fmt.Errorf("%w: task %s is %s", core.ErrTaskTerminal, task.TaskID, task.Status)
	}

	if !decision.Allow {
		task.Status = core.TaskBlocked
		task.Result = map[string]any{"error": decision.Reason}
		return task, nil
	}

	task.Status = core.TaskCompleted
	task.Result = map[string]any{"success": true}
	return task, nil
}
