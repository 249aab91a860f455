// Package identity handles the creator identity and its cryptographic keys.
// This is the most security-critical code in Isabella.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"github.com/tamv/isabella/internal/core"
)

// KeyBundle contains the creator's signing keys
type KeyBundle struct {
	// Classical signing
	Ed25519Public  ed25519.PublicKey
	Ed25519Private ed25519.PrivateKey

	// Post-quantum signing (ML-DSA-65, FIPS 204)
	MLDSAPublic  mldsa65.PublicKey
	MLDSAPrivate mldsa65.PrivateKey
}

// PublicKeys is the verifying half of a KeyBundle
type PublicKeys struct {
	Ed25519 ed25519.PublicKey
	MLDSA   *mldsa65.PublicKey
}

// SerializedKeyBundle is the encrypted, storable form of keys
type SerializedKeyBundle struct {
	// Public keys (stored as base64, not encrypted)
	Ed25519Public string `json:"ed25519_public"`
	MLDSAPublic   string `json:"mldsa_public"`

	// Private keys (encrypted with passphrase)
	EncryptedPrivateKeys string `json:"encrypted_private_keys"`

	// Key derivation parameters
	Salt      string `json:"salt"`      // Base64 encoded
	Algorithm string `json:"algorithm"` // "argon2id"
}

// GenerateKeyBundle creates a fresh hybrid signing key set.
func GenerateKeyBundle() (*KeyBundle, error) {
	bundle := &KeyBundle{}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: ed25519: %v", core.ErrKeyGenerationFailed, err)
	}
	bundle.Ed25519Public = pub
	bundle.Ed25519Private = priv

	mldsaPub, mldsaPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: ml-dsa: %v", core.ErrKeyGenerationFailed, err)
	}
	bundle.MLDSAPublic = *mldsaPub
	bundle.MLDSAPrivate = *mldsaPriv

	return bundle, nil
}

// Public returns the verifying keys of the bundle
func (kb *KeyBundle) Public() PublicKeys {
	pub := kb.MLDSAPublic
	return PublicKeys{Ed25519: kb.Ed25519Public, MLDSA: &pub}
}

// Fingerprint returns the hex SHA3-256 digest of the Ed25519 public key
func (pk PublicKeys) Fingerprint() string {
	sum := sha3.Sum256(pk.Ed25519)
	return hex.EncodeToString(sum[:])
}

// PubKeyString renders the creator public key the way agent signatures carry it
func (pk PublicKeys) PubKeyString() string {
	return "ed25519:" + pk.Fingerprint()
}

// Encode returns base64 forms of both public keys
func (pk PublicKeys) Encode() (ed25519B64, mldsaB64 string, err error) {
	if pk.MLDSA == nil {
		return "", "", core.ErrInvalidKey
	}
	mldsaBytes, err := pk.MLDSA.MarshalBinary()
	if err != nil {
		return "", "", fmt.Errorf("marshal ML-DSA public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pk.Ed25519), base64.StdEncoding.EncodeToString(mldsaBytes), nil
}

// ParsePublicKeys decodes base64 public keys as produced by Encode or Serialize
func ParsePublicKeys(ed25519B64, mldsaB64 string) (PublicKeys, error) {
	edBytes, err := base64.StdEncoding.DecodeString(ed25519B64)
	if err != nil {
		return PublicKeys{}, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(edBytes) != ed25519.PublicKeySize {
		return PublicKeys{}, fmt.Errorf("%w: Ed25519 public key has %d bytes", core.ErrInvalidKey, len(edBytes))
	}

	mldsaBytes, err := base64.StdEncoding.DecodeString(mldsaB64)
	if err != nil {
		return PublicKeys{}, fmt.Errorf("decode ML-DSA public key: %w", err)
	}
	mldsaPub := new(mldsa65.PublicKey)
	if err := mldsaPub.UnmarshalBinary(mldsaBytes); err != nil {
		return PublicKeys{}, fmt.Errorf("unmarshal ML-DSA public key: %w", err)
	}

	return PublicKeys{Ed25519: ed25519.PublicKey(edBytes), MLDSA: mldsaPub}, nil
}

// Serialize encrypts and serializes the key bundle for storage.
// The passphrase is used to derive an encryption key via Argon2id.
func (kb *KeyBundle) Serialize(passphrase string) (*SerializedKeyBundle, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	privateData := serializePrivateKeys(kb)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	encrypted := aead.Seal(nonce, nonce, privateData, nil)

	edPub, mldsaPub, err := kb.Public().Encode()
	if err != nil {
		return nil, err
	}

	return &SerializedKeyBundle{
		Ed25519Public:        edPub,
		MLDSAPublic:          mldsaPub,
		EncryptedPrivateKeys: base64.StdEncoding.EncodeToString(encrypted),
		Salt:                 base64.StdEncoding.EncodeToString(salt),
		Algorithm:            "argon2id",
	}, nil
}

// PublicKeys decodes the unencrypted half of a stored bundle
func (skb *SerializedKeyBundle) PublicKeys() (PublicKeys, error) {
	return ParsePublicKeys(skb.Ed25519Public, skb.MLDSAPublic)
}

// Deserialize decrypts and reconstructs the key bundle.
func (skb *SerializedKeyBundle) Deserialize(passphrase string) (*KeyBundle, error) {
	salt, err := base64.StdEncoding.DecodeString(skb.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(skb.EncryptedPrivateKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted keys: %w", err)
	}

	if len(encrypted) < aead.NonceSize() {
		return nil, errors.New("invalid encrypted data")
	}
	nonce := encrypted[:aead.NonceSize()]
	ciphertext := encrypted[aead.NonceSize():]

	privateData, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w (wrong passphrase?): %v", core.ErrDecryptionFailed, err)
	}

	bundle, err := deserializePrivateKeys(privateData)
	if err != nil {
		return nil, err
	}

	pub, err := skb.PublicKeys()
	if err != nil {
		return nil, err
	}
	bundle.Ed25519Public = pub.Ed25519
	bundle.MLDSAPublic = *pub.MLDSA

	return bundle, nil
}

// serializePrivateKeys packs private keys into bytes
func serializePrivateKeys(kb *KeyBundle) []byte {
	// Format: [ed25519_len:4][ed25519][mldsa_len:4][mldsa]
	ed25519Bytes := []byte(kb.Ed25519Private)
	mldsaBytes, _ := kb.MLDSAPrivate.MarshalBinary()

	buf := make([]byte, 8+len(ed25519Bytes)+len(mldsaBytes))
	offset := 0

	writeLen(buf[offset:], len(ed25519Bytes))
	offset += 4
	copy(buf[offset:], ed25519Bytes)
	offset += len(ed25519Bytes)

	writeLen(buf[offset:], len(mldsaBytes))
	offset += 4
	copy(buf[offset:], mldsaBytes)

	return buf
}

// deserializePrivateKeys unpacks private keys from bytes
func deserializePrivateKeys(data []byte) (*KeyBundle, error) {
	bundle := &KeyBundle{}
	offset := 0

	// Ed25519
	if offset+4 > len(data) {
		return nil, errors.New("invalid private key data: too short for Ed25519 length")
	}
	ed25519Len := readLen(data[offset:])
	offset += 4
	if offset+ed25519Len > len(data) {
		return nil, errors.New("invalid private key data: too short for Ed25519 key")
	}
	bundle.Ed25519Private = make(ed25519.PrivateKey, ed25519Len)
	copy(bundle.Ed25519Private, data[offset:offset+ed25519Len])
	offset += ed25519Len

	// ML-DSA
	if offset+4 > len(data) {
		return nil, errors.New("invalid private key data: too short for ML-DSA length")
	}
	mldsaLen := readLen(data[offset:])
	offset += 4
	if offset+mldsaLen > len(data) {
		return nil, errors.New("invalid private key data: too short for ML-DSA key")
	}
	mldsaPriv := new(mldsa65.PrivateKey)
	if err := mldsaPriv.UnmarshalBinary(data[offset : offset+mldsaLen]); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ML-DSA key: %w", err)
	}
	bundle.MLDSAPrivate = *mldsaPriv

	return bundle, nil
}

func writeLen(buf []byte, length int) {
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
}

func readLen(buf []byte) int {
	return int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
}

// -----------------------------------------------------------------------------
// Signing operations
// -----------------------------------------------------------------------------

// SignHybrid signs data with both Ed25519 and ML-DSA-65
func (kb *KeyBundle) SignHybrid(data []byte) (ed25519Sig, mldsaSig []byte, err error) {
	ed25519Sig = ed25519.Sign(kb.Ed25519Private, data)

	mldsaSig = make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(&kb.MLDSAPrivate, data, nil, false, mldsaSig); err != nil {
		return nil, nil, fmt.Errorf("ML-DSA signing failed: %w", err)
	}

	return ed25519Sig, mldsaSig, nil
}

// VerifyHybrid verifies both signatures against the bundle's own public keys
func (kb *KeyBundle) VerifyHybrid(data, ed25519Sig, mldsaSig []byte) bool {
	return kb.Public().VerifyHybrid(data, ed25519Sig, mldsaSig)
}

// VerifyHybrid reports whether both signatures are valid. Either failing rejects.
func (pk PublicKeys) VerifyHybrid(data, ed25519Sig, mldsaSig []byte) bool {
	if len(pk.Ed25519) != ed25519.PublicKeySize || pk.MLDSA == nil {
		return false
	}
	if len(ed25519Sig) != ed25519.SignatureSize || len(mldsaSig) != mldsa65.SignatureSize {
		return false
	}
	ed25519Valid := ed25519.Verify(pk.Ed25519, data, ed25519Sig)
	mldsaValid := mldsa65.Verify(pk.MLDSA, data, nil, mldsaSig)
	return ed25519Valid && mldsaValid
}
