package core

// schemes.go — signing schemes selectable through AuthContext.Algorithm.

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Algorithm names as they appear on the wire.
const (
	AlgEd25519    = "ed25519"
	AlgHMACSHA256 = "hmac-sha256"
	AlgHMACBLAKE3 = "hmac-blake3"
	AlgECDSAP256  = "ecdsa-p256"
)

// Scheme signs and verifies the material bound by an AuthContext.
// Signing keys and verification keys are raw bytes whose layout each
// scheme documents.
type Scheme interface {
	Name() string
	Sign(rand io.Reader, key, msg []byte) ([]byte, error)
	Verify(key, msg, sig []byte) bool
}

// DefaultSchemes returns every built-in scheme.
func DefaultSchemes() []Scheme {
	return []Scheme{ed25519Scheme{}, hmacSHA256Scheme{}, hmacBLAKE3Scheme{}, ecdsaP256Scheme{}}
}

// ed25519Scheme: signing key is a 32-byte seed or 64-byte private key,
// verification key the 32-byte public key.
type ed25519Scheme struct{}

func (ed25519Scheme) Name() string { return AlgEd25519 }

func (ed25519Scheme) Sign(_ io.Reader, key, msg []byte) ([]byte, error) {
	var priv ed25519.PrivateKey
	switch len(key) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(key)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(key)
	default:
		return nil, fmt.Errorf("ed25519: invalid private key size %d", len(key))
	}
	return ed25519.Sign(priv, msg), nil
}

func (ed25519Scheme) Verify(key, msg, sig []byte) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), msg, sig)
}

// hmacSHA256Scheme: the same shared secret signs and verifies.
type hmacSHA256Scheme struct{}

func (hmacSHA256Scheme) Name() string { return AlgHMACSHA256 }

func (hmacSHA256Scheme) Sign(_ io.Reader, key, msg []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("hmac-sha256: empty secret")
	}
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil), nil
}

func (s hmacSHA256Scheme) Verify(key, msg, sig []byte) bool {
	want, err := s.Sign(nil, key, msg)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sig)
}

// hmacBLAKE3Scheme: keyed BLAKE3 with a 32-byte shared secret.
type hmacBLAKE3Scheme struct{}

func (hmacBLAKE3Scheme) Name() string { return AlgHMACBLAKE3 }

func (hmacBLAKE3Scheme) Sign(_ io.Reader, key, msg []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("hmac-blake3: %w", err)
	}
	h.Write(msg)
	return h.Sum(nil), nil
}

func (s hmacBLAKE3Scheme) Verify(key, msg, sig []byte) bool {
	want, err := s.Sign(nil, key, msg)
	if err != nil {
		return false
	}
	return hmac.Equal(want, sig)
}

// ecdsaP256Scheme: signing key is a SEC 1 DER private key, verification
// key a PKIX DER public key. Signatures are ASN.1 over SHA-256(msg).
type ecdsaP256Scheme struct{}

func (ecdsaP256Scheme) Name() string { return AlgECDSAP256 }

func (ecdsaP256Scheme) Sign(rand io.Reader, key, msg []byte) ([]byte, error) {
	priv, err := x509.ParseECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ecdsa-p256: %w", err)
	}
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand, priv, digest[:])
}

func (ecdsaP256Scheme) Verify(key, msg, sig []byte) bool {
	parsed, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return false
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
