package core_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olserra/pap/core"
)

// signer bundles a key with a registry that knows its public half.
type signer struct {
	key   core.SigningKey
	cred  core.Credential
	reg   *core.CredentialRegistry
	codec *core.AuthCodec
}

func newSigner(t *testing.T, alg string) signer {
	t.Helper()
	reg := core.NewCredentialRegistry()
	var (
		key  core.SigningKey
		cred core.Credential
	)
	switch alg {
	case core.AlgEd25519:
		kp := ed25519Pair(t)
		key, cred = kp.Signing, kp.Credential()
	case core.AlgECDSAP256:
		kp, err := core.NewECDSAP256KeyPair()
		require.NoError(t, err)
		key, cred = kp.Signing, kp.Credential()
	case core.AlgHMACSHA256, core.AlgHMACBLAKE3:
		secret, err := core.NewSharedSecret()
		require.NoError(t, err)
		key = core.SigningKey{Algorithm: alg, Material: secret}
		cred = core.NewCredential(alg, secret)
	default:
		t.Fatalf("no fixture for %s", alg)
	}
	reg.Enroll(satID, cred, 0)
	return signer{key: key, cred: cred, reg: reg, codec: core.NewAuthCodec(reg)}
}

func (s signer) sign(t *testing.T, body core.MessageBody) core.Envelope {
	t.Helper()
	env, err := s.codec.Sign(core.NewEnvelope(satID, body), s.key)
	require.NoError(t, err)
	return env
}

func TestSignVerifyAllSchemes(t *testing.T) {
	for _, alg := range []string{core.AlgEd25519, core.AlgHMACSHA256, core.AlgHMACBLAKE3, core.AlgECDSAP256} {
		t.Run(alg, func(t *testing.T) {
			s := newSigner(t, alg)
			env := s.sign(t, &core.Event{Type: core.EventLog, Log: &core.LogEvent{Level: "info", Message: "hi"}})

			assert.Equal(t, alg, env.Auth.Algorithm)
			assert.Len(t, env.Auth.Nonce, 2*core.NonceSize)
			assert.Equal(t, core.PayloadHash(env.RawBody), env.Auth.PayloadHash)
			require.NoError(t, s.codec.Verify(env))
			require.NoError(t, s.codec.Verify(wire(t, env)))
		})
	}
}

func TestSignLeavesDraftUntouched(t *testing.T) {
	s := newSigner(t, core.AlgEd25519)
	draft := core.NewEnvelope(satID, handshakeAck(), core.WithAnnotation("k", "v"))
	signed, err := s.codec.Sign(draft, s.key)
	require.NoError(t, err)

	assert.Empty(t, draft.RawBody)
	assert.Empty(t, draft.Auth.Signature)
	signed.Annotations[0].Value = "changed"
	assert.Equal(t, "v", draft.Annotations[0].Value)
}

func TestSignSerializesBodyNotStaleRawBody(t *testing.T) {
	s := newSigner(t, core.AlgEd25519)
	ping := s.sign(t, &core.Control{Type: core.ControlPing})

	draft := core.NewEnvelope(satID, &core.Control{Type: core.ControlClose})
	draft.RawBody = ping.RawBody
	signed, err := s.codec.Sign(draft, s.key)
	require.NoError(t, err)

	body, err := core.DecodeBody(signed.RawBody)
	require.NoError(t, err)
	assert.Equal(t, core.ControlClose, body.(*core.Control).Type)
	assert.Equal(t, core.PayloadHash(signed.RawBody), signed.Auth.PayloadHash)
	require.NoError(t, s.codec.Verify(signed))
}

func TestNoncesAreFresh(t *testing.T) {
	s := newSigner(t, core.AlgHMACSHA256)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		env := s.sign(t, handshakeAck())
		require.False(t, seen[env.Auth.Nonce], "nonce reused")
		seen[env.Auth.Nonce] = true
	}
}

func TestIssuedAtFollowsClock(t *testing.T) {
	clk := newTestClock()
	kp := ed25519Pair(t)
	codec := core.NewAuthCodec(core.NewCredentialRegistry(), core.WithAuthClock(clk.Now))
	env, err := codec.Sign(core.NewEnvelope(satID, handshakeAck()), kp.Signing)
	require.NoError(t, err)
	assert.True(t, env.Auth.IssuedAt.Equal(epoch))
}

func TestVerifyFailures(t *testing.T) {
	s := newSigner(t, core.AlgEd25519)
	other := ed25519Pair(t)

	cases := []struct {
		name   string
		mutate func(*core.Envelope)
		codec  *core.AuthCodec
		want   error
	}{
		{
			name:   "tampered body",
			mutate: func(e *core.Envelope) { e.RawBody[len(e.RawBody)-1] ^= 0x01 },
			want:   core.ErrPayloadMismatch,
		},
		{
			name:   "tampered signature",
			mutate: func(e *core.Envelope) { e.Auth.Signature[0] ^= 0x80 },
			want:   core.ErrBadSignature,
		},
		{
			name:   "tampered nonce",
			mutate: func(e *core.Envelope) { e.Auth.Nonce = "00" + e.Auth.Nonce[2:] + "x" },
			want:   core.ErrBadSignature,
		},
		{
			name:   "tampered issued_at",
			mutate: func(e *core.Envelope) { e.Auth.IssuedAt = e.Auth.IssuedAt.Add(time.Second) },
			want:   core.ErrBadSignature,
		},
		{
			name:   "sender swapped for another enrolled identity",
			mutate: func(e *core.Envelope) { e.Sender = e.Sender.WithInstance("i-2") },
			codec: func() *core.AuthCodec {
				reg := core.NewCredentialRegistry()
				reg.Enroll(satID, s.cred, 0)
				reg.Enroll(satID.WithInstance("i-2"), s.cred, 0)
				return core.NewAuthCodec(reg)
			}(),
			want: core.ErrBadSignature,
		},
		{
			name:   "unknown sender",
			mutate: func(e *core.Envelope) { e.Sender = stationID },
			want:   core.ErrUnknownSender,
		},
		{
			name:   "unknown algorithm",
			mutate: func(e *core.Envelope) { e.Auth.Algorithm = "rsa-pss" },
			want:   core.ErrUnknownAlgorithm,
		},
		{
			name:   "algorithm not permitted for sender",
			mutate: func(e *core.Envelope) { e.Auth.Algorithm = core.AlgHMACSHA256 },
			want:   core.ErrUnknownAlgorithm,
		},
		{
			name: "wrong key",
			codec: func() *core.AuthCodec {
				reg := core.NewCredentialRegistry()
				reg.Enroll(satID, other.Credential(), 0)
				return core.NewAuthCodec(reg)
			}(),
			want: core.ErrBadSignature,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := s.sign(t, &core.Invoke{Method: "run"})
			if tc.mutate != nil {
				tc.mutate(&env)
			}
			codec := tc.codec
			if codec == nil {
				codec = s.codec
			}
			err := codec.Verify(env)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v, want %v", err, tc.want)
			assert.True(t, errors.Is(err, core.ErrAuth))
		})
	}
}

func TestVerifyRestrictedAlgorithms(t *testing.T) {
	s := newSigner(t, core.AlgHMACBLAKE3)
	env := s.sign(t, handshakeAck())

	strict := core.NewAuthCodec(s.reg, core.WithAlgorithms(core.AlgEd25519))
	err := strict.Verify(env)
	assert.True(t, errors.Is(err, core.ErrUnknownAlgorithm))
	assert.Equal(t, []string{core.AlgEd25519}, strict.Algorithms())

	_, err = strict.Sign(core.NewEnvelope(satID, handshakeAck()), s.key)
	assert.True(t, errors.Is(err, core.ErrUnknownAlgorithm))
}

func TestSignRejectsInvalidSender(t *testing.T) {
	s := newSigner(t, core.AlgEd25519)
	_, err := s.codec.Sign(core.NewEnvelope(core.AgentIdentity{Agent: "x"}, handshakeAck()), s.key)
	assert.True(t, errors.Is(err, core.ErrMalformedEnvelope))
}

func TestBodyByteFlipProperty(t *testing.T) {
	s := newSigner(t, core.AlgHMACSHA256)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("flipping any body byte fails with payload mismatch", prop.ForAll(
		func(method string, pos int, mask uint8) bool {
			env := s.sign(t, &core.Invoke{Method: method, ExpectReply: true})
			if mask == 0 {
				mask = 1
			}
			i := pos % len(env.RawBody)
			tampered := env
			tampered.RawBody = bytes.Clone(env.RawBody)
			tampered.RawBody[i] ^= mask
			return errors.Is(s.codec.Verify(tampered), core.ErrPayloadMismatch) &&
				s.codec.Verify(env) == nil
		},
		gen.AlphaString(),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestSignVerifyProperty(t *testing.T) {
	s := newSigner(t, core.AlgHMACBLAKE3)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every signed envelope verifies after the wire", prop.ForAll(
		func(msg, level string) bool {
			env := s.sign(t, &core.Event{Type: core.EventLog, Log: &core.LogEvent{Level: level, Message: msg}})
			return s.codec.Verify(wire(t, env)) == nil
		},
		gen.AlphaString(),
		gen.NumString(),
	))

	properties.TestingRun(t)
}
