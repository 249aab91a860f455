// Package sentinel provides security evaluators for the orchestrator: static
// rules over risk and behavior, and a reputation gate that tracks how often
// each agent is denied.
package sentinel

import (
	"context"

	"github.com/tamv/isabella/internal/core"
)

// Denial reasons
const (
	ReasonCriticalRequiresCreator = "critical_requires_creator"
	ReasonBehavioralOverload      = "behavioral_overload"
	ReasonRiskExceedsRole         = "risk_exceeds_role"
	ReasonMissingPermission       = "missing_permission"
	ReasonThreatThreshold         = "threat_threshold_exceeded"
	ReasonLockdown                = "lockdown"
)

// PatternSource reports the current behavioral pattern of the session
// driving the agent. *telemetry.Tracker satisfies it.
type PatternSource interface {
	Pattern() core.EcgPattern
}

// PatternFunc adapts a function to PatternSource
type PatternFunc func() core.EcgPattern

// Pattern calls f
func (f PatternFunc) Pattern() core.EcgPattern { return f() }

type patternKey struct{}

// ContextWithPattern attaches the caller's current behavioral pattern.
// RuleEvaluator prefers it over its configured PatternSource.
func ContextWithPattern(ctx context.Context, p core.EcgPattern) context.Context {
	return context.WithValue(ctx, patternKey{}, p)
}

// PatternFromContext returns the pattern set by ContextWithPattern
func PatternFromContext(ctx context.Context) (core.EcgPattern, bool) {
	p, ok := ctx.Value(patternKey{}).(core.EcgPattern)
	return p, ok
}

// RuleEvaluator applies fixed authorization rules:
//   - critical tasks need creator verification
//   - high and critical tasks are refused while the session is overloaded
//   - a role may be capped at a maximum risk level
//   - a risk level may require the creating agent to hold a permission
type RuleEvaluator struct {
	patterns PatternSource
	roleMax  map[core.AgentRole]core.RiskLevel
	perms    map[core.RiskLevel]string
	agents   map[string]core.AgentIdentity
}

// RuleOption configures a RuleEvaluator
type RuleOption func(*RuleEvaluator)

// WithPatternSource feeds the behavioral pattern into decisions
func WithPatternSource(src PatternSource) RuleOption {
	return func(r *RuleEvaluator) { r.patterns = src }
}

// WithRoleMaxRisk caps the risk each listed role may execute. Unlisted roles are not capped.
func WithRoleMaxRisk(caps map[core.AgentRole]core.RiskLevel) RuleOption {
	return func(r *RuleEvaluator) {
		r.roleMax = make(map[core.AgentRole]core.RiskLevel, len(caps))
		for role, level := range caps {
			r.roleMax[role] = level
		}
	}
}

// WithRiskPermissions requires the agent that created a task to hold
// perms[task.RiskLevel]. Agents are looked up by ID among agents; tasks from
// unknown agents fail any level that has a requirement.
func WithRiskPermissions(perms map[core.RiskLevel]string, agents ...core.AgentIdentity) RuleOption {
	return func(r *RuleEvaluator) {
		r.perms = make(map[core.RiskLevel]string, len(perms))
		for level, perm := range perms {
			r.perms[level] = perm
		}
		r.agents = make(map[string]core.AgentIdentity, len(agents))
		for _, a := range agents {
			r.agents[a.ID] = a
		}
	}
}

// NewRuleEvaluator creates a rule evaluator
func NewRuleEvaluator(opts ...RuleOption) *RuleEvaluator {
	r := &RuleEvaluator{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EvaluateTask never returns an error.
func (r *RuleEvaluator) EvaluateTask(ctx context.Context, task core.AgentTask) (core.SecurityDecision, error) {
	if task.RiskLevel == core.RiskCritical && !task.VerifiedByCreator {
		return deny(ReasonCriticalRequiresCreator), nil
	}

	if limit, ok := r.roleMax[task.AssignedTo]; ok && task.RiskLevel.Rank() > limit.Rank() {
		return deny(ReasonRiskExceedsRole), nil
	}

	if perm, ok := r.perms[task.RiskLevel]; ok {
		agent, known := r.agents[task.Audit.CreatedByAgentID]
		if !known || !agent.HasPermission(perm) {
			return deny(ReasonMissingPermission), nil
		}
	}

	if task.RiskLevel.Rank() >= core.RiskHigh.Rank() && r.pattern(ctx) == core.PatternOverloaded {
		return deny(ReasonBehavioralOverload), nil
	}

	return allow(), nil
}

func (r *RuleEvaluator) pattern(ctx context.Context) core.EcgPattern {
	if p, ok := PatternFromContext(ctx); ok {
		return p
	}
	if r.patterns != nil {
		return r.patterns.Pattern()
	}
	return core.PatternStable
}

func allow() core.SecurityDecision {
	return core.SecurityDecision{Allow: true}
}

func deny(reason string) core.SecurityDecision {
	return core.SecurityDecision{Allow: false, Reason: reason}
}
