package sentinel

import (
	"context"
	"fmt"
	"time"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/logging"
)

// Reputation defaults. A denial costs far more than an approval earns back.
const (
	DefaultDenyPenalty     = 15.0
	DefaultAllowCredit     = 1.5
	DefaultReputationTTL   = time.Hour
	DefaultThreatThreshold = 75.0
	DefaultLockdownLevel   = 95.0
)

// ReputationStore keeps a decaying threat score per subject
type ReputationStore interface {
	// Add adjusts the score by delta, resets its expiry to ttl and returns the new score.
	Add(ctx context.Context, subject string, delta float64, ttl time.Duration) (float64, error)
	// Score returns the current score, 0 when unknown or expired.
	Score(ctx context.Context, subject string) (float64, error)
}

type subjectKey struct{}

// ContextWithSubject names the requester a task is evaluated for, e.g. a
// client address. ReputationEvaluator scores the subject instead of the agent.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the subject set by ContextWithSubject
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// CrisisEvent is raised when a subject's score crosses the threat threshold
// or the lockdown level
type CrisisEvent struct {
	Subject   string    `json:"subject"`
	AgentID   string    `json:"agentId"`
	Status    string    `json:"status"` // CRITICAL or LOCKDOWN
	Score     float64   `json:"threatLevel"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter receives crisis events
type Alerter interface {
	Alert(ctx context.Context, event CrisisEvent) error
}

// ReputationConfig holds the scoring parameters
type ReputationConfig struct {
	DenyPenalty     float64
	AllowCredit     float64
	TTL             time.Duration
	ThreatThreshold float64
	LockdownLevel   float64
}

// DefaultReputationConfig returns the standard scoring parameters
func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		DenyPenalty:     DefaultDenyPenalty,
		AllowCredit:     DefaultAllowCredit,
		TTL:             DefaultReputationTTL,
		ThreatThreshold: DefaultThreatThreshold,
		LockdownLevel:   DefaultLockdownLevel,
	}
}

// ReputationEvaluator gates an inner evaluator on the agent's threat score
// and feeds every outcome back into the score. Agents at or above the threat
// threshold are denied without consulting the inner evaluator.
type ReputationEvaluator struct {
	store   ReputationStore
	inner   Evaluator
	cfg     ReputationConfig
	alerter Alerter
	logger  *logging.Logger
	now     func() time.Time
}

// ReputationOption configures a ReputationEvaluator
type ReputationOption func(*ReputationEvaluator)

// WithReputationConfig overrides the scoring parameters
func WithReputationConfig(cfg ReputationConfig) ReputationOption {
	return func(r *ReputationEvaluator) { r.cfg = cfg }
}

// WithAlerter publishes crisis events
func WithAlerter(a Alerter) ReputationOption {
	return func(r *ReputationEvaluator) { r.alerter = a }
}

// WithReputationLogger sets the logger
func WithReputationLogger(l *logging.Logger) ReputationOption {
	return func(r *ReputationEvaluator) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReputationEvaluator wraps inner. A nil inner allows every task that
// passes the reputation gate.
func NewReputationEvaluator(store ReputationStore, inner Evaluator, opts ...ReputationOption) *ReputationEvaluator {
	r := &ReputationEvaluator{
		store:  store,
		inner:  inner,
		cfg:    DefaultReputationConfig(),
		logger: logging.WithField("component", "sentinel"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EvaluateTask checks the score of the context subject, falling back to
// task.Audit.CreatedByAgentID, delegates to the inner evaluator and records
// the outcome. Store failures are errors.
func (r *ReputationEvaluator) EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error) {
	subject, ok := SubjectFromContext(ctx)
	if !ok {
		subject = task.Audit.CreatedByAgentID
	}

	score, err := r.store.Score(ctx, subject)
	if err != nil {
		return core.SecurityDecision{}, fmt.Errorf("read reputation: %w", err)
	}

	var decision core.SecurityDecision
	switch {
	case score >= r.cfg.LockdownLevel:
		decision = deny(ReasonLockdown)
	case score >= r.cfg.ThreatThreshold:
		decision = deny(ReasonThreatThreshold)
	case r.inner != nil:
		decision, err = r.inner.EvaluateTask(ctx, task)
		if err != nil {
			return core.SecurityDecision{}, err
		}
	default:
		decision = allow()
	}

	delta := -r.cfg.AllowCredit
	if !decision.Allow {
		delta = r.cfg.DenyPenalty
	}
	updated, err := r.store.Add(ctx, subject, delta, r.cfg.TTL)
	if err != nil {
		return core.SecurityDecision{}, fmt.Errorf("update reputation: %w", err)
	}

	// Alert on crossings only, not on every request while above a level
	if r.status(updated) > r.status(score) {
		r.raise(ctx, subject, task, updated)
	}

	return decision, nil
}

// Score exposes a subject's current score
func (r *ReputationEvaluator) Score(ctx context.Context, subject string) (float64, error) {
	return r.store.Score(ctx, subject)
}

type threatStatus int

const (
	statusNormal threatStatus = iota
	statusCritical
	statusLockdown
)

func (s threatStatus) String() string {
	switch s {
	case statusCritical:
		return "CRITICAL"
	case statusLockdown:
		return "LOCKDOWN"
	default:
		return "NORMAL"
	}
}

func (r *ReputationEvaluator) status(score float64) threatStatus {
	switch {
	case score >= r.cfg.LockdownLevel:
		return statusLockdown
	case score >= r.cfg.ThreatThreshold:
		return statusCritical
	default:
		return statusNormal
	}
}

func (r *ReputationEvaluator) raise(ctx context.Context, subject string, task core.AgentTask, score float64) {
	status := r.status(score).String()

	log := r.logger.WithFields(map[string]any{
		"subject": subject,
		"agent":   task.Audit.CreatedByAgentID,
		"score":   score,
	})
	log.Warn("reputation %s", status)

	if r.alerter == nil {
		return
	}
	event := CrisisEvent{
		Subject:   subject,
		AgentID:   task.Audit.CreatedByAgentID,
		Status:    status,
		Score:     score,
		TaskID:    task.TaskID,
		Timestamp: r.now().UTC(),
	}
	if err := r.alerter.Alert(ctx, event); err != nil {
		log.WithError(err).Error("crisis alert failed")
	}
}
