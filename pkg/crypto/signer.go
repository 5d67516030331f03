// Package crypto implements the hash-chain signer for the evidence ledger:
// Ed25519 signing keys (optionally derived per ledger kind from a master
// seed), a keyring for verification across key rotations, and chain
// signing/verification.
//
// Key material is loaded once and read-only thereafter; signers are safe for
// concurrent use without additional locking.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs and verifies raw bytes under a single identified key.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, sigHex string) bool
	PublicKey() string
	KeyID() string
}

// Ed25519Signer is the default Signer. Signatures are hex encoded.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh random key.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed builds a deterministic signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}, nil
}

// DeriveKindSigner derives a per-kind signing key from a master seed via
// HKDF-SHA256, so each logical ledger chains under its own key. The same
// master seed and kind always yield the same key.
func DeriveKindSigner(masterSeed []byte, kind string) (*Ed25519Signer, error) {
	if len(masterSeed) == 0 {
		return nil, fmt.Errorf("crypto: empty master seed")
	}
	r := hkdf.New(sha256.New, masterSeed, nil, []byte("keel:chain:"+kind))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive for kind %s: %w", kind, err)
	}
	s, err := NewEd25519SignerFromSeed(seed, "")
	if err != nil {
		return nil, err
	}
	// Key id binds the kind to a fingerprint of the derived public key.
	fp := sha256.Sum256(s.pubKey)
	s.keyID = kind + "-" + hex.EncodeToString(fp[:4])
	return s, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	if s.privKey == nil {
		return "", fmt.Errorf("crypto: signing key unavailable")
	}
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pubKey, data, sig)
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}
