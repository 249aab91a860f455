// Package signer builds auditable agent task records.
package signer

import (
	"time"

	"github.com/google/uuid"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
	"github.com/tamv/isabella/internal/risk"
)

// SessionVerifier decides whether a session proves the creator is present
type SessionVerifier interface {
	VerifyCreatorSession(ctx core.CreatorSessionContext) bool
}

// CreatorRecognizer decides whether an agent is creator-owned
type CreatorRecognizer interface {
	IsCreatorAgent(agent core.AgentIdentity) bool
	CreatorDID() string
}

// Partial is the caller-supplied part of a task
type Partial struct {
	AssignedTo core.AgentRole
	Input      any
}

// Signer stamps tasks with risk, creator verification and audit data
type Signer struct {
	recognizer CreatorRecognizer
	sessions   SessionVerifier
	newID      func() string
	now        func() time.Time
}

// Option configures a Signer
type Option func(*Signer)

// WithSessionVerifier replaces the session check, e.g. with identity.SessionVerifier
func WithSessionVerifier(sv SessionVerifier) Option {
	return func(s *Signer) {
		if sv != nil {
			s.sessions = sv
		}
	}
}

// WithIDGenerator replaces the task id generator
func WithIDGenerator(gen func() string) Option {
	return func(s *Signer) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a signer. The verifier serves both agent and session checks
// unless a separate session verifier is supplied.
func New(verifier *identity.Verifier, opts ...Option) *Signer {
	s := &Signer{
		recognizer: verifier,
		sessions:   verifier,
		newID:      func() string { return uuid.New().String() },
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignTask produces a pending task. It never fails.
func (s *Signer) SignTask(partial Partial, agent core.AgentIdentity, creatorCtx *core.CreatorSessionContext) core.AgentTask {
	verified := creatorCtx != nil &&
		s.sessions.VerifyCreatorSession(*creatorCtx) &&
		s.recognizer.IsCreatorAgent(agent)

	task := core.AgentTask{
		TaskID:            s.newID(),
		AssignedTo:        partial.AssignedTo,
		Input:             partial.Input,
		Status:            core.TaskPending,
		RiskLevel:         risk.Classify(partial.Input),
		VerifiedByCreator: verified,
		Audit: core.TaskAudit{
			CreatedAt:        s.now(),
			CreatedByAgentID: agent.ID,
		},
	}
	if verified {
		task.Audit.CreatorDID = s.recognizer.CreatorDID()
	}
	return task
}

// IsCreatorAgent reports whether agent carries the creator signature
func (s *Signer) IsCreatorAgent(agent core.AgentIdentity) bool {
	return s.recognizer.IsCreatorAgent(agent)
}

// CreatorDID is the DID stamped on creator-verified tasks
func (s *Signer) CreatorDID() string {
	return s.recognizer.CreatorDID()
}
