package identity

import (
	"encoding/base64"
	"strings"

	"github.com/tamv/isabella/internal/core"
)

// Legacy creator identity values
const (
	DefaultCreatorPubKey = "ed25519:tamv-edwin-oswaldo-castillo-trejo-root-pubkey"
	DefaultCreatorDID    = "did:tamv:edwin-oswaldo-castillo-trejo"
)

// CreatorConfig is the immutable creator identity recognized by a Verifier
type CreatorConfig struct {
	PubKey string `json:"pubkey"`
	DID    string `json:"did"`
}

// DefaultCreator returns the legacy creator identity
func DefaultCreator() CreatorConfig {
	return CreatorConfig{PubKey: DefaultCreatorPubKey, DID: DefaultCreatorDID}
}

// Verifier decides whether agents and sessions belong to the creator.
type Verifier struct {
	creator CreatorConfig
}

// NewVerifier creates a verifier bound to one creator identity
func NewVerifier(creator CreatorConfig) *Verifier {
	return &Verifier{creator: creator}
}

// Creator returns the configured identity
func (v *Verifier) Creator() CreatorConfig { return v.creator }

// CreatorDID returns the configured creator DID
func (v *Verifier) CreatorDID() string { return v.creator.DID }

// IsCreatorAgent reports whether the agent carries the creator's signature.
// Both the DID and the public key must match exactly. No payload is verified.
func (v *Verifier) IsCreatorAgent(agent core.AgentIdentity) bool {
	sig := agent.CreatorSignature
	if sig == nil {
		return false
	}
	return sig.CreatorDID == v.creator.DID && sig.CreatorPubKey == v.creator.PubKey
}

// VerifyCreatorSession reports whether the session claims the creator DID.
// The session signature is NOT checked; use SessionVerifier for that.
func (v *Verifier) VerifyCreatorSession(ctx core.CreatorSessionContext) bool {
	return ctx.DID == v.creator.DID
}

// -----------------------------------------------------------------------------
// Hardened session verification
// -----------------------------------------------------------------------------

// CanonicalSessionMessage is the byte string a creator session signs
func CanonicalSessionMessage(ctx core.CreatorSessionContext) []byte {
	return []byte(strings.Join([]string{ctx.Nonce, ctx.Timestamp, ctx.DeviceID, ctx.Action}, "|"))
}

// SessionVerifier checks the DID claim and a hybrid signature over the canonical message.
type SessionVerifier struct {
	*Verifier
	keys PublicKeys

	// RequireAssurance rejects sessions below this level when set
	RequireAssurance core.AssuranceLevel
}

// NewSessionVerifier creates a verifier that also validates session signatures
func NewSessionVerifier(creator CreatorConfig, keys PublicKeys) *SessionVerifier {
	return &SessionVerifier{Verifier: NewVerifier(creator), keys: keys}
}

// VerifyCreatorSession requires the DID claim, the assurance floor and a valid signature
func (sv *SessionVerifier) VerifyCreatorSession(ctx core.CreatorSessionContext) bool {
	if !sv.Verifier.VerifyCreatorSession(ctx) {
		return false
	}
	if sv.RequireAssurance != "" && ctx.AssuranceLevel.Rank() < sv.RequireAssurance.Rank() {
		return false
	}

	edSig, mldsaSig, err := DecodeSessionSignature(ctx.Signature)
	if err != nil {
		return false
	}
	return sv.keys.VerifyHybrid(CanonicalSessionMessage(ctx), edSig, mldsaSig)
}

// SignSession signs the canonical message of ctx and returns the encoded signature
func SignSession(kb *KeyBundle, ctx core.CreatorSessionContext) (string, error) {
	edSig, mldsaSig, err := kb.SignHybrid(CanonicalSessionMessage(ctx))
	if err != nil {
		return "", err
	}
	return EncodeSessionSignature(edSig, mldsaSig), nil
}

// EncodeSessionSignature renders a hybrid signature as "<ed25519 b64>.<ml-dsa b64>"
func EncodeSessionSignature(ed25519Sig, mldsaSig []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519Sig) + "." + base64.RawURLEncoding.EncodeToString(mldsaSig)
}

// DecodeSessionSignature splits and decodes an encoded hybrid signature
func DecodeSessionSignature(sig string) (ed25519Sig, mldsaSig []byte, err error) {
	edPart, mldsaPart, ok := strings.Cut(sig, ".")
	if !ok {
		return nil, nil, core.ErrInvalidSignature
	}
	if ed25519Sig, err = base64.RawURLEncoding.DecodeString(edPart); err != nil {
		return nil, nil, core.ErrInvalidSignature
	}
	if mldsaSig, err = base64.RawURLEncoding.DecodeString(mldsaPart); err != nil {
		return nil, nil, core.ErrInvalidSignature
	}
	return ed25519Sig, mldsaSig, nil
}
