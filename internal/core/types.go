// Package core defines the fundamental types for Isabella.
// Agents, tasks and behavioral events all live here.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// AGENT - A capability holder that wants to act
// -----------------------------------------------------------------------------

// AgentRole is the functional role an agent plays
type AgentRole string

const (
	RolePlanner  AgentRole = "planner"
	RoleContext  AgentRole = "context"
	RoleXR       AgentRole = "xr"
	RoleEconomy  AgentRole = "economy"
	RoleIdentity AgentRole = "identity"
	RoleSecurity AgentRole = "security"
	RoleSRE      AgentRole = "sre"
)

// Roles lists every known agent role
var Roles = []AgentRole{RolePlanner, RoleContext, RoleXR, RoleEconomy, RoleIdentity, RoleSecurity, RoleSRE}

// Valid reports whether r is a known role
func (r AgentRole) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// CreatorSignature binds an agent to the creator identity.
type CreatorSignature struct {
	CreatorPubKey string `json:"creatorPubKey"`
	CreatorDID    string `json:"creatorDid"`
	Version       string `json:"version"`
}

// AgentIdentity describes an agent. Created at registration, immutable after.
type AgentIdentity struct {
	ID               string            `json:"id"`
	Role             AgentRole         `json:"role"`
	Capabilities     []string          `json:"capabilities"`
	Permissions      []string          `json:"permissions"`
	CreatorSignature *CreatorSignature `json:"creatorSignature,omitempty"`
}

// HasPermission reports whether the agent holds the given permission
func (a AgentIdentity) HasPermission(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// SESSION - Proof that the creator is present
// -----------------------------------------------------------------------------

// AssuranceLevel is the strength of authentication behind a session
type AssuranceLevel string

const (
	AssuranceLow         AssuranceLevel = "low"
	AssuranceSubstantial AssuranceLevel = "substantial"
	AssuranceHigh        AssuranceLevel = "high"
)

// Rank orders assurance levels, low being 1. Unknown levels rank 0.
func (l AssuranceLevel) Rank() int {
	switch l {
	case AssuranceLow:
		return 1
	case AssuranceSubstantial:
		return 2
	case AssuranceHigh:
		return 3
	default:
		return 0
	}
}

// CreatorSessionContext is an ephemeral proof of session, one per authenticated session.
type CreatorSessionContext struct {
	DID            string         `json:"did"`
	DeviceID       string         `json:"deviceId"`
	Signature      string         `json:"signature"` // over "nonce|timestamp|deviceId|action"
	AssuranceLevel AssuranceLevel `json:"assuranceLevel"`

	// Signed message parts, only read by the hardened verifier
	Nonce     string `json:"nonce,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Action    string `json:"action,omitempty"`
}

// -----------------------------------------------------------------------------
// TASK - The authorization record
// -----------------------------------------------------------------------------

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
)

// IsTerminal reports whether no further transition is allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// RiskLevel is the risk tier of a task
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels, low being 1. Unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// TaskAudit is the provenance block of a task.
// CreatorDID is set if and only if the task was verified by the creator.
type TaskAudit struct {
	CreatedAt        time.Time `json:"createdAt"`
	CreatedByAgentID string    `json:"createdByAgentId"`
	CreatorDID       string    `json:"creatorDid,omitempty"`
}

// AgentTask is a signed, auditable request for an agent to act.
type AgentTask struct {
	TaskID            string     `json:"taskId"`
	AssignedTo        AgentRole  `json:"assignedTo"`
	Input             any        `json:"input"`
	Status            TaskStatus `json:"status"`
	Result            any        `json:"result,omitempty"`
	RiskLevel         RiskLevel  `json:"riskLevel"`
	VerifiedByCreator bool       `json:"verifiedByCreator"`
	Audit             TaskAudit  `json:"audit"`
}

// SecurityDecision is the verdict of a security evaluator
type SecurityDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// -----------------------------------------------------------------------------
// CRUM - One recorded behavioral event
// -----------------------------------------------------------------------------

// Module is the content area where an event happened
type Module string

const (
	ModuleDreamspace   Module = "dreamspace"
	ModuleBank         Module = "bank"
	ModuleGovernance   Module = "governance"
	ModuleArtGallery   Module = "art-gallery"
	ModuleIntelligence Module = "intelligence"
)

// Valid reports whether m is a known module
func (m Module) Valid() bool {
	switch m {
	case ModuleDreamspace, ModuleBank, ModuleGovernance, ModuleArtGallery, ModuleIntelligence:
		return true
	}
	return false
}

// CrumAction is what the user did
type CrumAction string

const (
	CrumCreate      CrumAction = "create"
	CrumCollab      CrumAction = "collab"
	CrumTransaction CrumAction = "transaction"
	CrumView        CrumAction = "view"
	CrumReport      CrumAction = "report"
)

// Valid reports whether a is a known crum action
func (a CrumAction) Valid() bool {
	switch a {
	case CrumCreate, CrumCollab, CrumTransaction, CrumView, CrumReport:
		return true
	}
	return false
}

// EcgPattern is a coarse classification of interaction tempo. Derived, never stored on its own.
type EcgPattern string

const (
	PatternStable     EcgPattern = "stable"
	PatternFocused    EcgPattern = "focused"
	PatternOverloaded EcgPattern = "overloaded"
	PatternScattered  EcgPattern = "scattered"
)

// Patterns lists every pattern in tie-break order
var Patterns = []EcgPattern{PatternStable, PatternFocused, PatternOverloaded, PatternScattered}

// Impact is the social and economic effect of an event
type Impact struct {
	Credits          float64 `json:"credits"`
	SocialIndex      float64 `json:"socialIndex"`
	MilestoneReached string  `json:"milestoneReached,omitempty"`
}

// EcgContext is the behavioral context stamped on an event
type EcgContext struct {
	Pattern         EcgPattern `json:"pattern"`
	Intensity       float64    `json:"intensity"`       // 0-1
	SessionDuration int64      `json:"sessionDuration"` // milliseconds
}

// TAMVCrum is one immutable behavioral event
type TAMVCrum struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Module     Module         `json:"module"`
	Action     CrumAction     `json:"action"`
	Impact     Impact         `json:"impact"`
	EcgContext EcgContext     `json:"ecgContext"`
	Metadata   map[string]any `json:"metadata"`
}
