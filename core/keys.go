package core

// keys.go — key-pair generation for the asymmetric schemes.
//
// A KeyPair bundles the local SigningKey with the Credential a peer needs
// to verify it. Fingerprints are hex(sha256(public key)) and are what
// operators compare out of band when enrolling a peer.

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// KeyPair is a freshly generated signing key and its public half.
type KeyPair struct {
	Signing   SigningKey
	PublicKey []byte
}

// Credential returns the credential peers enroll to verify this key.
func (k KeyPair) Credential() Credential {
	return NewCredential(k.Signing.Algorithm, k.PublicKey)
}

// Fingerprint returns hex(sha256(public key)).
func (k KeyPair) Fingerprint() string { return Fingerprint(k.PublicKey) }

// NewEd25519KeyPair generates a fresh Ed25519 key pair.
func NewEd25519KeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: ed25519 generation failed: %w", err)
	}
	return KeyPair{
		Signing:   SigningKey{Algorithm: AlgEd25519, Material: []byte(priv)},
		PublicKey: []byte(pub),
	}, nil
}

// Ed25519KeyPairFromSeed rebuilds a key pair from a 32-byte seed.
func Ed25519KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("keys: expected %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		Signing:   SigningKey{Algorithm: AlgEd25519, Material: []byte(priv)},
		PublicKey: []byte(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// NewECDSAP256KeyPair generates a fresh P-256 key pair.
func NewECDSAP256KeyPair() (KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: p256 generation failed: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: marshal p256 private key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: marshal p256 public key: %w", err)
	}
	return KeyPair{
		Signing:   SigningKey{Algorithm: AlgECDSAP256, Material: der},
		PublicKey: pub,
	}, nil
}

// NewSharedSecret returns a random 32-byte secret usable with both HMAC
// schemes.
func NewSharedSecret() ([]byte, error) {
	b := make([]byte, DerivedKeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("keys: shared secret: %w", err)
	}
	return b, nil
}

// Fingerprint returns hex(sha256(pub)).
func Fingerprint(pub []byte) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}
