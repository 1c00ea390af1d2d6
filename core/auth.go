package core

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// NonceSize is the number of random bytes in every nonce (128 bits).
const NonceSize = 16

// AuthContext provides signature material for verifying envelopes.
type AuthContext struct {
	Signature   []byte
	Algorithm   string
	PayloadHash []byte
	Nonce       string
	IssuedAt    time.Time
}

func (a AuthContext) validate() error {
	switch {
	case a.Algorithm == "":
		return malformed("auth: missing algorithm")
	case len(a.Signature) == 0:
		return malformed("auth: missing signature")
	case len(a.PayloadHash) != sha256.Size:
		return malformed("auth: payload hash is %d bytes", len(a.PayloadHash))
	case a.Nonce == "":
		return malformed("auth: missing nonce")
	case a.IssuedAt.IsZero():
		return malformed("auth: missing issued_at")
	}
	return nil
}

// SigningKey is the local secret used to sign outbound envelopes.
type SigningKey struct {
	Algorithm string
	Material  []byte
}

// AuthCodec signs and verifies envelopes. It owns algorithm selection and
// consults a CredentialSource for every verification. Verify is pure; replay
// state lives in ReplayGuard.
type AuthCodec struct {
	schemes map[string]Scheme
	creds   CredentialSource
	clock   func() time.Time
	rand    io.Reader
}

// AuthOption configures an AuthCodec.
type AuthOption func(*AuthCodec)

// WithSchemes replaces the registered scheme set.
func WithSchemes(schemes ...Scheme) AuthOption {
	return func(c *AuthCodec) {
		c.schemes = make(map[string]Scheme, len(schemes))
		for _, s := range schemes {
			c.schemes[s.Name()] = s
		}
	}
}

// WithAlgorithms restricts the registered schemes to the named ones.
// Unknown names are ignored.
func WithAlgorithms(names ...string) AuthOption {
	return func(c *AuthCodec) {
		keep := make(map[string]Scheme, len(names))
		for _, n := range names {
			if s, ok := c.schemes[n]; ok {
				keep[n] = s
			}
		}
		c.schemes = keep
	}
}

// WithAuthClock overrides the issued_at clock.
func WithAuthClock(clock func() time.Time) AuthOption {
	return func(c *AuthCodec) { c.clock = clock }
}

// WithRandom overrides the nonce and signature randomness source.
func WithRandom(r io.Reader) AuthOption {
	return func(c *AuthCodec) { c.rand = r }
}

// NewAuthCodec creates a codec with every built-in scheme registered.
func NewAuthCodec(creds CredentialSource, opts ...AuthOption) *AuthCodec {
	c := &AuthCodec{
		creds: creds,
		clock: time.Now,
		rand:  rand.Reader,
	}
	WithSchemes(DefaultSchemes()...)(c)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Algorithms returns the registered algorithm names.
func (c *AuthCodec) Algorithms() []string {
	out := make([]string, 0, len(c.schemes))
	for n := range c.schemes {
		out = append(out, n)
	}
	return out
}

// PayloadHash returns the hash bound into AuthContext for raw body bytes.
func PayloadHash(raw []byte) []byte {
	h := sha256.Sum256(raw)
	return h[:]
}

// Sign returns a copy of env carrying a fresh AuthContext and its
// serialized body. The body is always serialized from env.Body; a RawBody
// already present on env is replaced. env itself is left untouched.
func (c *AuthCodec) Sign(env Envelope, key SigningKey) (Envelope, error) {
	scheme, ok := c.schemes[key.Algorithm]
	if !ok {
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownAlgorithm, key.Algorithm)
	}
	if err := env.Sender.Validate(); err != nil {
		return Envelope{}, err
	}
	raw, err := EncodeBody(env.Body)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Envelope{}, fmt.Errorf("sign: nonce generation: %w", err)
	}
	auth := AuthContext{
		Algorithm:   key.Algorithm,
		PayloadHash: PayloadHash(raw),
		Nonce:       hex.EncodeToString(nonce),
		IssuedAt:    c.clock().UTC().Round(0),
	}
	sig, err := scheme.Sign(c.rand, key.Material, signedMaterial(auth, env.Sender))
	if err != nil {
		return Envelope{}, fmt.Errorf("sign: %w", err)
	}
	auth.Signature = sig

	out := env
	out.RawBody = append([]byte(nil), raw...)
	out.Auth = auth
	out.Annotations = append(Annotations(nil), env.Annotations...)
	if out.SentAt.IsZero() {
		out.SentAt = auth.IssuedAt
	}
	return out, nil
}

// Verify checks payload integrity and the sender's signature. It does not
// touch replay state.
func (c *AuthCodec) Verify(env Envelope) error {
	if len(env.RawBody) == 0 {
		return malformed("verify %q: missing body", env.MessageID)
	}
	if subtle.ConstantTimeCompare(PayloadHash(env.RawBody), env.Auth.PayloadHash) != 1 {
		return fmt.Errorf("%w: message %s", ErrPayloadMismatch, env.MessageID)
	}
	scheme, ok := c.schemes[env.Auth.Algorithm]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownAlgorithm, env.Auth.Algorithm)
	}
	cred, ok := c.creds.Credential(env.Sender)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownSender, env.Sender)
	}
	key, ok := cred.Keys[env.Auth.Algorithm]
	if !ok {
		return fmt.Errorf("%w %q: not permitted for %s", ErrUnknownAlgorithm, env.Auth.Algorithm, env.Sender)
	}
	if !scheme.Verify(key, signedMaterial(env.Auth, env.Sender), env.Auth.Signature) {
		return fmt.Errorf("%w: message %s from %s", ErrBadSignature, env.MessageID, env.Sender)
	}
	return nil
}

// signedMaterial is payload_hash ‖ nonce ‖ issued_at ‖ canonical(sender),
// each element length-delimited so no two inputs share an encoding.
func signedMaterial(a AuthContext, sender AgentIdentity) []byte {
	id := sender.Canonical()
	buf := make([]byte, 0, len(a.PayloadHash)+len(a.Nonce)+len(id)+24)
	buf = protowire.AppendBytes(buf, a.PayloadHash)
	buf = protowire.AppendString(buf, a.Nonce)
	buf = protowire.AppendVarint(buf, uint64(a.IssuedAt.UnixNano()))
	buf = protowire.AppendBytes(buf, id)
	return buf
}
