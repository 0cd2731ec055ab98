package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/linkedout-ai/agent-commerce/types"
)

// ErrUnsigned is returned when a security-relevant envelope carries no
// signature at all.
var ErrUnsigned = errors.New("envelope is not signed")

// Signer signs outbound envelopes with the agent's secp256k1 key.
type Signer struct {
	priv *secp256k1.PrivateKey
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return &Signer{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// GenerateSigner creates a signer with a fresh random key, for local runs
// and tests where no configured identity exists.
func GenerateSigner() (*Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// PublicKeyHex returns the compressed public key, the form distributed to
// counterparties for verification.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// Sign computes the signature over the envelope's canonical digest and
// returns a copy carrying it. The input envelope is not modified.
func (s *Signer) Sign(env types.Envelope) (types.Envelope, error) {
	digest, err := Digest(env)
	if err != nil {
		return env, err
	}
	sig := secpecdsa.Sign(s.priv, digest)
	env.Signature = hex.EncodeToString(sig.Serialize())
	return env, nil
}

// Verify checks the envelope signature against a compressed public key.
func Verify(env types.Envelope, publicKeyHex string) error {
	if env.Signature == "" {
		return ErrUnsigned
	}
	pubRaw, err := hex.DecodeString(strings.TrimPrefix(publicKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	sigRaw, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	sig, err := secpecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	digest, err := Digest(env)
	if err != nil {
		return err
	}
	if !sig.Verify(digest, pub) {
		return errors.New("signature does not match envelope")
	}
	return nil
}

// RequireSignature rejects unsigned envelopes of security-relevant types.
// The full verification path needs the sender's public key; consumers that
// only know the sender id enforce signed-then-sent with this check.
func RequireSignature(env types.Envelope) error {
	switch env.Type {
	case types.TypeAccept, types.TypePaymentRequest, types.TypePaymentAck:
		if env.Signature == "" {
			return fmt.Errorf("%w: %s requires a signature", ErrUnsigned, env.Type)
		}
	}
	return nil
}

// Digest computes the canonical sha256 digest of an envelope: the JSON
// serialization with the signature field cleared.
func Digest(env types.Envelope) ([]byte, error) {
	canonical, err := json.Marshal(env.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}
