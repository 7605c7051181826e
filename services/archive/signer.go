package archive

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"

	"forged/pkg/config"
)

// Signer seals archive manifests with an Ed25519 key whose seed is the operator's age identity,
// so one AGE_SECRET_KEY both names the archiver (its age recipient) and signs for it.
type Signer struct {
	key       ed25519.PrivateKey // nil for verify-only signers
	trusted   ed25519.PublicKey
	recipient string
}

// NewSigner builds a Signer from AGE_SECRET_KEY and/or AGE_PUBLIC_KEY. AGE_PUBLIC_KEY is the
// base64 Ed25519 key printed by PublicKeyBase64; on its own it yields a verify-only Signer.
func NewSigner(cfg config.AgeConfig) (*Signer, error) {
	var s Signer

	if secret := strings.TrimSpace(cfg.SecretKey); secret != "" {
		key, recipient, err := identityKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse AGE_SECRET_KEY: %w", err)
		}
		s.key = key
		s.trusted = key.Public().(ed25519.PublicKey)
		s.recipient = recipient
	}

	if pub := strings.TrimSpace(cfg.PublicKey); pub != "" {
		trusted, err := parsePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("AGE_PUBLIC_KEY: %w", err)
		}
		if s.trusted != nil && !s.trusted.Equal(trusted) {
			return nil, errors.New("AGE_PUBLIC_KEY does not match AGE_SECRET_KEY")
		}
		s.trusted = trusted
	}

	if s.trusted == nil {
		return nil, errors.New("AGE_SECRET_KEY or AGE_PUBLIC_KEY must be set")
	}
	return &s, nil
}

// CanSign reports whether the signer can seal manifests.
func (s *Signer) CanSign() bool {
	return s != nil && s.key != nil
}

func (s *Signer) PublicKeyBase64() string {
	if s == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.trusted)
}

// Seal records the signer on m and signs everything but the signature field.
func (s *Signer) Seal(m *Manifest) error {
	if !s.CanSign() {
		return errors.New("signer configured without private key")
	}
	m.Signer = s.recipient
	m.SigningPublicKey = s.PublicKeyBase64()

	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload))
	return nil
}

// Check verifies that m was sealed by the trusted key and not modified since.
func (s *Signer) Check(m Manifest) error {
	if s == nil || s.trusted == nil {
		return errors.New("no public key available for verification")
	}
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	if m.SigningPublicKey != "" {
		claimed, err := parsePublicKey(m.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !claimed.Equal(s.trusted) {
			return errors.New("manifest signed by unexpected key")
		}
	}

	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(s.trusted, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// identityKey validates secret as an age X25519 identity and reuses its 32-byte scalar as the
// Ed25519 seed.
func identityKey(secret string) (ed25519.PrivateKey, string, error) {
	identity, err := age.ParseX25519Identity(secret)
	if err != nil {
		return nil, "", err
	}
	_, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, "", err
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, "", err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), identity.Recipient().String(), nil
}

func parsePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}
