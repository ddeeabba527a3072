// Package identity wraps the Ed25519 signing key a traversal instance uses
// to prove ownership of its fingerprint and to sign hole-punch probes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SeedSize is the number of raw bytes an Ed25519 signing key is derived from.
const SeedSize = ed25519.SeedSize

// Identity owns a signing key and the verifying key derived from it.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a fresh identity from crypto/rand.
func Generate() (*Identity, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generate seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed derives an identity from 32 raw seed bytes, as supplied via the
// signing_key_bytes configuration option.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Fingerprint returns the 64-character lowercase hex encoding of the
// verifying key.
func (id *Identity) Fingerprint() string {
	return hex.EncodeToString(id.public)
}

// PublicKey returns the raw 32-byte verifying key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.public
}

// Sign signs message under the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// ParseFingerprint decodes a peer fingerprint into a verifying key usable
// with Verify.
func ParseFingerprint(fingerprint string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("identity: fingerprint is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: fingerprint decodes to %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a signature against a peer's verifying key.
func Verify(peerKey ed25519.PublicKey, message, signature []byte) bool {
	if len(peerKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(peerKey, message, signature)
}
