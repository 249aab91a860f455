package identity

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tamv/isabella/internal/core"
)

func TestGenerateKeyBundle(t *testing.T) {
	bundle, err := GenerateKeyBundle()
	if err != nil {
		t.Fatalf("GenerateKeyBundle failed: %v", err)
	}

	if bundle.Ed25519Public == nil {
		t.Error("Ed25519Public is nil")
	}
	if bundle.Ed25519Private == nil {
		t.Error("Ed25519Private is nil")
	}

	mldsaPub, err := bundle.MLDSAPublic.MarshalBinary()
	if err != nil || len(mldsaPub) == 0 {
		t.Error("MLDSAPublic not valid")
	}
	mldsaPriv, err := bundle.MLDSAPrivate.MarshalBinary()
	if err != nil || len(mldsaPriv) == 0 {
		t.Error("MLDSAPrivate not valid")
	}
}

func TestKeyBundle_SerializeDeserialize(t *testing.T) {
	bundle, err := GenerateKeyBundle()
	if err != nil {
		t.Fatalf("GenerateKeyBundle failed: %v", err)
	}

	serialized, err := bundle.Serialize("test-passphrase-123")
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if serialized.Algorithm != "argon2id" {
		t.Errorf("Algorithm = %q, want argon2id", serialized.Algorithm)
	}
	if serialized.EncryptedPrivateKeys == "" || serialized.Salt == "" {
		t.Error("encrypted payload or salt empty")
	}

	restored, err := serialized.Deserialize("test-passphrase-123")
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if !bytes.Equal(restored.Ed25519Private, bundle.Ed25519Private) {
		t.Error("Ed25519 private key mismatch")
	}
	if !bytes.Equal(restored.Ed25519Public, bundle.Ed25519Public) {
		t.Error("Ed25519 public key mismatch")
	}

	// The restored bundle must still sign verifiably
	data := []byte("round trip")
	edSig, mldsaSig, err := restored.SignHybrid(data)
	if err != nil {
		t.Fatalf("SignHybrid failed: %v", err)
	}
	if !bundle.VerifyHybrid(data, edSig, mldsaSig) {
		t.Error("original bundle rejected signature from restored bundle")
	}
}

func TestKeyBundle_Deserialize_WrongPassphrase(t *testing.T) {
	bundle, _ := GenerateKeyBundle()
	serialized, _ := bundle.Serialize("correct-passphrase")

	_, err := serialized.Deserialize("wrong-passphrase")
	if !errors.Is(err, core.ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestKeyBundle_Deserialize_Corrupt(t *testing.T) {
	bundle, _ := GenerateKeyBundle()

	tests := []struct {
		name   string
		mutate func(*SerializedKeyBundle)
	}{
		{"invalid salt", func(s *SerializedKeyBundle) { s.Salt = "!!!not base64" }},
		{"invalid ciphertext", func(s *SerializedKeyBundle) { s.EncryptedPrivateKeys = "!!!" }},
		{"too short", func(s *SerializedKeyBundle) { s.EncryptedPrivateKeys = "AAAA" }},
		{"bad public key", func(s *SerializedKeyBundle) { s.Ed25519Public = "AAAA" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serialized, _ := bundle.Serialize("pw")
			tt.mutate(serialized)
			if _, err := serialized.Deserialize("pw"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestKeyBundle_VerifyHybrid(t *testing.T) {
	bundle, _ := GenerateKeyBundle()
	other, _ := GenerateKeyBundle()
	data := []byte("message to sign")

	edSig, mldsaSig, err := bundle.SignHybrid(data)
	if err != nil {
		t.Fatalf("SignHybrid failed: %v", err)
	}

	if !bundle.VerifyHybrid(data, edSig, mldsaSig) {
		t.Error("valid signature rejected")
	}
	if bundle.VerifyHybrid([]byte("tampered"), edSig, mldsaSig) {
		t.Error("signature over different data accepted")
	}
	if other.VerifyHybrid(data, edSig, mldsaSig) {
		t.Error("signature accepted by unrelated keys")
	}

	otherEd, otherMLDSA, _ := other.SignHybrid(data)
	if bundle.VerifyHybrid(data, otherEd, mldsaSig) {
		t.Error("mixed signature accepted (bad ed25519)")
	}
	if bundle.VerifyHybrid(data, edSig, otherMLDSA) {
		t.Error("mixed signature accepted (bad ml-dsa)")
	}
	if bundle.VerifyHybrid(data, edSig[:10], mldsaSig) {
		t.Error("truncated signature accepted")
	}
}

func TestPublicKeys_EncodeParse(t *testing.T) {
	bundle, _ := GenerateKeyBundle()

	edB64, mldsaB64, err := bundle.Public().Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	pub, err := ParsePublicKeys(edB64, mldsaB64)
	if err != nil {
		t.Fatalf("ParsePublicKeys failed: %v", err)
	}
	if pub.Fingerprint() != bundle.Public().Fingerprint() {
		t.Error("fingerprint changed across encode/parse")
	}
	if !strings.HasPrefix(pub.PubKeyString(), "ed25519:") {
		t.Errorf("PubKeyString = %q", pub.PubKeyString())
	}
	if len(pub.Fingerprint()) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(pub.Fingerprint()))
	}

	if _, err := ParsePublicKeys("AAAA", mldsaB64); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("short ed25519 key: err = %v, want ErrInvalidKey", err)
	}
	if _, _, err := (PublicKeys{}).Encode(); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("empty keys: err = %v, want ErrInvalidKey", err)
	}
}

func TestWriteReadLen(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, 65535, 1 << 20} {
		buf := make([]byte, 4)
		writeLen(buf, n)
		if got := readLen(buf); got != n {
			t.Errorf("readLen(writeLen(%d)) = %d", n, got)
		}
	}
}

func TestDeserializePrivateKeys_InvalidData(t *testing.T) {
	tests := [][]byte{
		{},
		{0, 0},
		{0, 0, 0, 64},
		{0, 0, 0, 1, 7},
		{0, 0, 0, 1, 7, 0, 0, 1, 0},
	}
	for _, data := range tests {
		if _, err := deserializePrivateKeys(data); err == nil {
			t.Errorf("deserializePrivateKeys(%v) succeeded", data)
		}
	}
}

func TestKeyBundleUniqueness(t *testing.T) {
	a, _ := GenerateKeyBundle()
	b, _ := GenerateKeyBundle()
	if bytes.Equal(a.Ed25519Public, b.Ed25519Public) {
		t.Error("two bundles share an Ed25519 key")
	}
	if a.Public().Fingerprint() == b.Public().Fingerprint() {
		t.Error("two bundles share a fingerprint")
	}
}
