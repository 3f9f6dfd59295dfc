package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Supported signature algorithms for mandate proofs.
const (
	AlgEd25519 = "ed25519"
)

// KeyPair bundles an ed25519 signing key with its hex-encoded public form.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeyPair produces a fresh ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &KeyPair{priv: priv, pub: pub}, nil
}

// KeyPairFromSeed derives a deterministic key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the hex-encoded ed25519 signature over the payload.
func (kp *KeyPair) Sign(payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(kp.priv, payload))
}

// PublicKeyHex returns the hex encoding of the public key.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.pub)
}

// DecodePublicKey parses a hex-encoded ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(encoded, "0x"))
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifySignature checks the hex-encoded signature against the payload using a
// hex-encoded public key. Malformed inputs verify as false alongside the error.
func VerifySignature(publicKeyHex, signatureHex string, payload []byte) (bool, error) {
	pub, err := DecodePublicKey(publicKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("crypto: signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return ed25519.Verify(pub, payload, sig), nil
}
