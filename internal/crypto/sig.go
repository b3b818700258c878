package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

const (
	codeEd25519Verfer = "D"
	codeEd25519Sig    = "0B"
)

var ErrBadSignature = errors.New("signature verification failed")

// Signer holds an Ed25519 key pair and renders its key and signatures qb64.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner derives a signer from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Verfer returns the qb64 public key.
func (s *Signer) Verfer() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	out, _ := EncodeQB64(codeEd25519Verfer, pub)
	return out
}

// Sign returns the qb64 signature over data.
func (s *Signer) Sign(data []byte) string {
	out, _ := EncodeQB64(codeEd25519Sig, ed25519.Sign(s.priv, data))
	return out
}

// VerifySignature checks a qb64 Ed25519 signature against a qb64 public key.
func VerifySignature(verfer, sig string, data []byte) error {
	code, pub, err := DecodeQB64(verfer, len(codeEd25519Verfer))
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	if code != codeEd25519Verfer || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("unsupported key code %q", code)
	}
	code, raw, err := DecodeQB64(sig, len(codeEd25519Sig))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if code != codeEd25519Sig || len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("unsupported signature code %q", code)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, raw) {
		return ErrBadSignature
	}
	return nil
}
