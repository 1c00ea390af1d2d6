package core

import (
	"errors"
	"fmt"
)

// Error classes. Every kind below wraps exactly one class, so callers can
// test either the precise kind or the whole class with errors.Is.
var (
	ErrAuth        = errors.New("auth")
	ErrReplay      = errors.New("replay")
	ErrCorrelation = errors.New("correlation")
	ErrSession     = errors.New("session")
)

// Authentication failures.
var (
	ErrPayloadMismatch  = fmt.Errorf("%w: payload hash mismatch", ErrAuth)
	ErrBadSignature     = fmt.Errorf("%w: bad signature", ErrAuth)
	ErrUnknownAlgorithm = fmt.Errorf("%w: unknown algorithm", ErrAuth)
	ErrUnknownSender    = fmt.Errorf("%w: unknown sender", ErrAuth)
)

// Replay failures.
var (
	ErrStaleTimestamp = fmt.Errorf("%w: stale timestamp", ErrReplay)
	ErrNonceReplay    = fmt.Errorf("%w: nonce replay", ErrReplay)
)

// Correlation failures.
var (
	ErrDuplicateCorrelation = fmt.Errorf("%w: duplicate correlation id", ErrCorrelation)
	ErrUnknownCorrelation   = fmt.Errorf("%w: unknown correlation id", ErrCorrelation)
	ErrResponderMismatch    = fmt.Errorf("%w: responder mismatch", ErrCorrelation)
	ErrExpired              = fmt.Errorf("%w: resolved after deadline", ErrCorrelation)
	ErrNotCorrelated        = fmt.Errorf("%w: body family carries no correlation", ErrCorrelation)
)

// Session failures. Only ErrHandshakeTimeout and ErrHandshakeRejected end
// a session; the rest reject a single envelope.
var (
	ErrSessionNotEstablished = fmt.Errorf("%w: not established", ErrSession)
	ErrHandshakeTimeout      = fmt.Errorf("%w: handshake timeout", ErrSession)
	ErrSessionClosed         = fmt.Errorf("%w: closed", ErrSession)
	ErrPeerMismatch          = fmt.Errorf("%w: sender is not the session peer", ErrSession)
	ErrHandshakeRejected     = fmt.Errorf("%w: handshake rejected by peer", ErrSession)
	ErrUnexpectedHandshake   = fmt.Errorf("%w: handshake ack after establishment", ErrSession)
)

// ErrMalformedEnvelope is returned for envelopes that cannot be mapped onto
// the data model. They never reach signature verification.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrTimeout is what callers observe for invocations removed by a sweep.
var ErrTimeout = errors.New("invocation timed out")

var reasons = []struct {
	err  error
	code string
}{
	{ErrMalformedEnvelope, "malformed_envelope"},
	{ErrPayloadMismatch, "payload_mismatch"},
	{ErrBadSignature, "bad_signature"},
	{ErrUnknownAlgorithm, "unknown_algorithm"},
	{ErrUnknownSender, "unknown_sender"},
	{ErrStaleTimestamp, "stale_timestamp"},
	{ErrNonceReplay, "nonce_replay"},
	{ErrDuplicateCorrelation, "duplicate_correlation"},
	{ErrUnknownCorrelation, "unknown_correlation"},
	{ErrResponderMismatch, "responder_mismatch"},
	{ErrExpired, "expired"},
	{ErrNotCorrelated, "not_correlated"},
	{ErrSessionNotEstablished, "session_not_established"},
	{ErrHandshakeTimeout, "handshake_timeout"},
	{ErrSessionClosed, "session_closed"},
	{ErrPeerMismatch, "peer_mismatch"},
	{ErrHandshakeRejected, "handshake_rejected"},
	{ErrUnexpectedHandshake, "unexpected_handshake"},
	{ErrTimeout, "timeout"},
}

// Reason returns a stable snake_case code for err, suitable for log fields
// and metric attributes. Unclassified errors map to "internal".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal"
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}
