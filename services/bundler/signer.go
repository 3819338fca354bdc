package bundler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	// EnvSecretKey holds the age identity (AGE-SECRET-KEY-1...) that signs
	// bundles on the build host.
	EnvSecretKey = "LOGARCHIVE_BUNDLE_SECRET_KEY"
	// EnvPublicKey holds the base64 Ed25519 key trusted when verifying.
	EnvPublicKey = "LOGARCHIVE_BUNDLE_PUBLIC_KEY"

	ageSecretHRP = "age-secret-key-"
)

// prepended to every signed manifest so the key signs nothing but bundles
var signingContext = []byte("logarchive bundle manifest v1\n")

// Signer signs and verifies bundle manifests with an Ed25519 key whose seed
// is the age identity's key material.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv builds a Signer from EnvSecretKey and EnvPublicKey.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(EnvSecretKey), os.Getenv(EnvPublicKey))
}

// NewSigner derives a key pair from an age secret key. With only the
// base64 public key the signer can verify but not sign. When both are
// given they must agree.
func NewSigner(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", EnvSecretKey, EnvPublicKey)
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvSecretKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		key, err := decodePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvPublicKey, err)
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = key
		case !bytes.Equal(s.publicKey, key):
			return nil, fmt.Errorf("%s does not match %s", EnvPublicKey, EnvSecretKey)
		}
	}
	return s, nil
}

// Sign returns the base64 signature of a manifest's signing bytes.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", fmt.Errorf("signing requires %s", EnvSecretKey)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, signedMessage(payload))), nil
}

// Verify checks signature over payload. embeddedKey is the key recorded in
// the manifest; it must be the signer's own key.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	if embeddedKey != "" {
		key, err := decodePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !bytes.Equal(s.publicKey, key) {
			return errors.New("manifest signed by unexpected key")
		}
	}
	if !ed25519.Verify(s.publicKey, signedMessage(payload), sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 is the value to distribute as EnvPublicKey.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient is the age recipient (age1...) of the secret key, recorded as
// the manifest's signer. Empty for verify-only signers.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func signedMessage(payload []byte) []byte {
	msg := make([]byte, 0, len(signingContext)+len(payload))
	msg = append(msg, signingContext...)
	return append(msg, payload...)
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// decodeAgeSecretKey extracts the 32 byte key material of an age X25519
// identity.
func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
