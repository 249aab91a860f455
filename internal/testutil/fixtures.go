package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// SequentialIDs returns a generator producing prefix-1, prefix-2, ...
func SequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// CreatorSignature returns the signature carried by creator-owned agents
func CreatorSignature(creator identity.CreatorConfig) *core.CreatorSignature {
	return &core.CreatorSignature{
		CreatorPubKey: creator.PubKey,
		CreatorDID:    creator.DID,
		Version:       "1.0",
	}
}

// AgentFixture returns an agent without a creator signature.
func AgentFixture(role core.AgentRole) core.AgentIdentity {
	return core.AgentIdentity{
		ID:           "agent-" + RandomID(),
		Role:         role,
		Capabilities: []string{"execute"},
		Permissions:  []string{"tasks:write"},
	}
}

// CreatorAgentFixture returns an agent signed by creator.
func CreatorAgentFixture(role core.AgentRole, creator identity.CreatorConfig) core.AgentIdentity {
	agent := AgentFixture(role)
	agent.CreatorSignature = CreatorSignature(creator)
	return agent
}

// CreatorSessionFixture returns a session claiming creator's DID.
func CreatorSessionFixture(creator identity.CreatorConfig) core.CreatorSessionContext {
	return core.CreatorSessionContext{
		DID:            creator.DID,
		DeviceID:       "device-" + RandomID(),
		Signature:      "unsigned",
		AssuranceLevel: core.AssuranceHigh,
	}
}
