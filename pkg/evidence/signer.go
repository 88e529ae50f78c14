package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs canonical evidence bytes with Ed25519 so a reader can check
// that a record was produced by this deployment, not only that its hash is
// self-consistent.
type Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewSigner builds a Signer from an existing Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{pub: priv.Public().(ed25519.PublicKey), priv: priv}
}

// DeriveSigner derives a deterministic per-scope keypair from a master
// secret using HKDF-SHA256. Each store scope ("evidence", "rollback", ...)
// gets its own key, so a leaked scope key cannot forge the others.
func DeriveSigner(masterSecret []byte, scope string) (*Signer, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("derive signer: empty master secret")
	}
	if scope == "" {
		return nil, fmt.Errorf("derive signer: empty scope")
	}

	r := hkdf.New(sha256.New, masterSecret, nil, []byte("promoguard/"+scope))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive signer: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return NewSigner(priv), nil
}

// Sign returns the base64 Ed25519 signature over msg.
func (s *Signer) Sign(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, msg))
}

// Verify checks a base64 signature over msg.
func (s *Signer) Verify(msg []byte, signature string) bool {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, msg, raw)
}

// PublicKey exposes the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }
