// Package signature verifies prescriber signatures against a keyring of
// registered public keys.
package signature

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// Supported algorithms
const (
	AlgEd25519   = "Ed25519"
	AlgECDSAP256 = "ECDSA-P256-SHA256"
)

var (
	ErrUnknownSigner      = errors.New("unknown signer")
	ErrAlgorithmMismatch  = errors.New("signature algorithm does not match signer key")
	ErrUnsupportedKey     = errors.New("unsupported public key")
	ErrMalformedSignature = errors.New("malformed signature encoding")
)

// KeyEntry is one signer in the keyring file
type KeyEntry struct {
	SignerID  string `yaml:"signer_id"`
	Algorithm string `yaml:"algorithm"`
	// PublicKey is a PEM PKIX block, or base64 raw bytes for Ed25519
	PublicKey string `yaml:"public_key"`
	Revoked   bool   `yaml:"revoked,omitempty"`
}

type keyFile struct {
	Signers []KeyEntry `yaml:"signers"`
}

type signerKey struct {
	algorithm string
	ed25519   ed25519.PublicKey
	ecdsa     *ecdsa.PublicKey
	revoked   bool
}

// Keyring holds public keys by signer id
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]signerKey
	logger *zap.Logger
}

// NewKeyring creates an empty keyring
func NewKeyring(logger *zap.Logger) *Keyring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyring{keys: make(map[string]signerKey), logger: logger}
}

// LoadFile reads a YAML keyring file
func LoadFile(path string, logger *zap.Logger) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return Parse(raw, logger)
}

// Parse builds a keyring from YAML
func Parse(raw []byte, logger *zap.Logger) (*Keyring, error) {
	var f keyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	k := NewKeyring(logger)
	for i, e := range f.Signers {
		if err := k.Add(e); err != nil {
			return nil, fmt.Errorf("signers[%d]: %w", i, err)
		}
	}
	k.logger.Info("signer keyring loaded", zap.Int("signers", len(f.Signers)))
	return k, nil
}

// Add registers or replaces a signer key
func (k *Keyring) Add(e KeyEntry) error {
	if strings.TrimSpace(e.SignerID) == "" {
		return errors.New("signer_id is required")
	}
	key, err := decodeKey(e.Algorithm, e.PublicKey)
	if err != nil {
		return fmt.Errorf("signer %s: %w", e.SignerID, err)
	}
	key.revoked = e.Revoked

	k.mu.Lock()
	k.keys[e.SignerID] = key
	k.mu.Unlock()
	return nil
}

// Len returns the number of registered signers
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Verify checks the base64 signature over the stored payload with the
// signer's key. A bad signature is (false, nil); an unusable key or
// encoding is an error.
func (k *Keyring) Verify(_ context.Context, sig *prescription.DigitalSignature) (bool, error) {
	k.mu.RLock()
	key, ok := k.keys[sig.SignerID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSigner, sig.SignerID)
	}
	if key.revoked {
		k.logger.Warn("signature by revoked signer", zap.String("signer_id", sig.SignerID), zap.String("signature_id", sig.ID))
		return false, nil
	}
	if !strings.EqualFold(key.algorithm, sig.Algorithm) {
		return false, fmt.Errorf("%w: key is %s, signature claims %s", ErrAlgorithmMismatch, key.algorithm, sig.Algorithm)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig.SignatureData))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	switch key.algorithm {
	case AlgEd25519:
		return ed25519.Verify(key.ed25519, sig.Payload, raw), nil
	default:
		digest := sha256.Sum256(sig.Payload)
		return ecdsa.VerifyASN1(key.ecdsa, digest[:], raw), nil
	}
}

func decodeKey(algorithm, encoded string) (signerKey, error) {
	encoded = strings.TrimSpace(encoded)
	var pub interface{}
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return signerKey{}, fmt.Errorf("parse public key: %w", err)
		}
		pub = parsed
	} else {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return signerKey{}, fmt.Errorf("%w: expected PEM or base64 Ed25519 key", ErrUnsupportedKey)
		}
		pub = ed25519.PublicKey(raw)
	}

	switch key := pub.(type) {
	case ed25519.PublicKey:
		if !strings.EqualFold(algorithm, AlgEd25519) {
			return signerKey{}, fmt.Errorf("%w: Ed25519 key declared as %q", ErrAlgorithmMismatch, algorithm)
		}
		return signerKey{algorithm: AlgEd25519, ed25519: key}, nil
	case *ecdsa.PublicKey:
		if !strings.EqualFold(algorithm, AlgECDSAP256) || key.Curve.Params().Name != "P-256" {
			return signerKey{}, fmt.Errorf("%w: ECDSA %s key declared as %q", ErrAlgorithmMismatch, key.Curve.Params().Name, algorithm)
		}
		return signerKey{algorithm: AlgECDSAP256, ecdsa: key}, nil
	default:
		return signerKey{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}
