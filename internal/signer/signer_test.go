package signer

import (
	"testing"
	"time"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
)

// countingSessions records how often the session check runs
type countingSessions struct {
	result bool
	calls  int
}

func (c *countingSessions) VerifyCreatorSession(core.CreatorSessionContext) bool {
	c.calls++
	return c.result
}

func creatorSig() *core.CreatorSignature {
	return &core.CreatorSignature{
		CreatorPubKey: identity.DefaultCreatorPubKey,
		CreatorDID:    identity.DefaultCreatorDID,
		Version:       "1.0",
	}
}

func TestSigner_SignTask(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New(identity.NewVerifier(identity.DefaultCreator()),
		WithIDGenerator(func() string { return "task-1" }),
		WithClock(func() time.Time { return fixed }),
	)

	agent := core.AgentIdentity{ID: "agent-econ", Role: core.RoleEconomy}
	input := map[string]any{"action": "wire_transfer", "amount": 12.5}

	task := s.SignTask(Partial{AssignedTo: core.RoleEconomy, Input: input}, agent, nil)

	if task.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", task.TaskID)
	}
	if task.Status != core.TaskPending {
		t.Errorf("Status = %v, want pending", task.Status)
	}
	if task.AssignedTo != core.RoleEconomy {
		t.Errorf("AssignedTo = %v, want economy", task.AssignedTo)
	}
	if task.RiskLevel != core.RiskHigh {
		t.Errorf("RiskLevel = %v, want high", task.RiskLevel)
	}
	if got, ok := task.Input.(map[string]any); !ok || got["amount"] != 12.5 {
		t.Errorf("Input not echoed verbatim: %v", task.Input)
	}
	if task.Result != nil {
		t.Errorf("Result = %v, want nil", task.Result)
	}
	if !task.Audit.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", task.Audit.CreatedAt, fixed)
	}
	if task.Audit.CreatedByAgentID != "agent-econ" {
		t.Errorf("CreatedByAgentID = %q", task.Audit.CreatedByAgentID)
	}
	if task.VerifiedByCreator || task.Audit.CreatorDID != "" {
		t.Error("task without session must not be creator-verified")
	}
}

func TestSigner_CreatorDIDIffVerified(t *testing.T) {
	s := New(identity.NewVerifier(identity.DefaultCreator()))

	goodCtx := &core.CreatorSessionContext{DID: identity.DefaultCreatorDID, AssuranceLevel: core.AssuranceHigh}
	badCtx := &core.CreatorSessionContext{DID: "did:tamv:impostor"}
	badSig := &core.CreatorSignature{CreatorPubKey: "ed25519:nope", CreatorDID: identity.DefaultCreatorDID}

	sigs := map[string]*core.CreatorSignature{"none": nil, "creator": creatorSig(), "forged": badSig}
	ctxs := map[string]*core.CreatorSessionContext{"none": nil, "creator": goodCtx, "impostor": badCtx}

	for sigName, sig := range sigs {
		for ctxName, ctx := range ctxs {
			t.Run(sigName+"/"+ctxName, func(t *testing.T) {
				agent := core.AgentIdentity{ID: "a", Role: core.RoleSecurity, CreatorSignature: sig}
				task := s.SignTask(Partial{AssignedTo: agent.Role, Input: nil}, agent, ctx)

				wantVerified := sigName == "creator" && ctxName == "creator"
				if task.VerifiedByCreator != wantVerified {
					t.Errorf("VerifiedByCreator = %v, want %v", task.VerifiedByCreator, wantVerified)
				}
				if (task.Audit.CreatorDID != "") != task.VerifiedByCreator {
					t.Errorf("CreatorDID %q inconsistent with VerifiedByCreator %v", task.Audit.CreatorDID, task.VerifiedByCreator)
				}
				if task.VerifiedByCreator && task.Audit.CreatorDID != identity.DefaultCreatorDID {
					t.Errorf("CreatorDID = %q, want %q", task.Audit.CreatorDID, identity.DefaultCreatorDID)
				}
			})
		}
	}
}

func TestSigner_ShortCircuit(t *testing.T) {
	sessions := &countingSessions{result: true}
	s := New(identity.NewVerifier(identity.DefaultCreator()), WithSessionVerifier(sessions))

	agent := core.AgentIdentity{ID: "a", CreatorSignature: creatorSig()}

	s.SignTask(Partial{}, agent, nil)
	if sessions.calls != 0 {
		t.Errorf("session verifier called %d times without a session", sessions.calls)
	}

	task := s.SignTask(Partial{}, agent, &core.CreatorSessionContext{DID: "anything"})
	if sessions.calls != 1 {
		t.Errorf("session verifier called %d times, want 1", sessions.calls)
	}
	if !task.VerifiedByCreator {
		t.Error("substituted session verifier result ignored")
	}

	sessions.result = false
	task = s.SignTask(Partial{}, agent, &core.CreatorSessionContext{DID: identity.DefaultCreatorDID})
	if task.VerifiedByCreator {
		t.Error("rejected session still verified")
	}
}

func TestSigner_UniqueIDs(t *testing.T) {
	s := New(identity.NewVerifier(identity.DefaultCreator()))
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		task := s.SignTask(Partial{}, core.AgentIdentity{ID: "a"}, nil)
		if seen[task.TaskID] {
			t.Fatalf("duplicate task id %q", task.TaskID)
		}
		seen[task.TaskID] = true
	}
}

func TestSigner_RiskFromInput(t *testing.T) {
	s := New(identity.NewVerifier(identity.DefaultCreator()))
	tests := []struct {
		input any
		want  core.RiskLevel
	}{
		{map[string]any{"action": "purge_data"}, core.RiskCritical},
		{map[string]any{"action": "global_transfer_x"}, core.RiskHigh},
		{map[string]any{"action": "view"}, core.RiskLow},
		{map[string]any{}, core.RiskLow},
	}
	for _, tt := range tests {
		task := s.SignTask(Partial{Input: tt.input}, core.AgentIdentity{}, nil)
		if task.RiskLevel != tt.want {
			t.Errorf("RiskLevel for %v = %v, want %v", tt.input, task.RiskLevel, tt.want)
		}
	}
}
