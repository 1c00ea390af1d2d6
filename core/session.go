package core

// session.go — per-peer handshake state machine.
//
// Flow:
//   Initiator                              Responder
//   Unauthenticated                        Unauthenticated
//       |-- HandshakeAck (signed) ---------->|  verify
//   AwaitingAck                            Established
//       |<- HandshakeAck (signed) -----------|
//       |  verify                            |
//   Established                            Established
//       |<======= Invoke/Response/Event/Error/Control =======>|
//
// The signature over each HandshakeAck envelope is the identity proof.
// Until a verified ack has arrived, only HandshakeAck may cross the
// session in either direction. Closed is terminal.

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHandshakeTimeout bounds how long a session may wait for its
// peer's HandshakeAck.
const DefaultHandshakeTimeout = 10 * time.Second

// SessionState is a HandshakeSession state.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAwaitingAck
	StateEstablished
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role distinguishes the side that sends the first HandshakeAck.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Session is the handshake state of one peer connection. It is mutated
// only by that connection's traffic; all methods are concurrency-safe.
type Session struct {
	key     string
	role    Role
	timeout time.Duration

	mu            sync.Mutex
	state         SessionState
	peer          AgentIdentity
	establishedAt time.Time
	deadline      time.Time
	ackSent       bool
	closeErr      error
}

// NewSession creates a session in StateUnauthenticated. A responder that
// receives nothing within timeout of openedAt times out as well.
func NewSession(key string, role Role, timeout time.Duration, openedAt time.Time) *Session {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &Session{
		key:      key,
		role:     role,
		timeout:  timeout,
		deadline: openedAt.Add(timeout),
	}
}

// Key returns the connection key the session was opened under.
func (s *Session) Key() string { return s.key }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the authenticated peer identity once established.
func (s *Session) Peer() (AgentIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer.IsZero() {
		return AgentIdentity{}, false
	}
	return s.peer, true
}

// EstablishedAt returns when the handshake completed, or the zero time.
func (s *Session) EstablishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.establishedAt
}

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// CheckSend reports whether an envelope of family f may be sent now,
// without changing state.
func (s *Session) CheckSend(f Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkSendLocked(f)
}

// MarkSent records that an envelope of family f was signed for sending.
// The initiator's first HandshakeAck moves it to StateAwaitingAck and arms
// the handshake deadline.
func (s *Session) MarkSent(f Family, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSendLocked(f); err != nil {
		return err
	}
	if f != FamilyHandshakeAck {
		return nil
	}
	s.ackSent = true
	if s.state == StateUnauthenticated {
		s.state = StateAwaitingAck
		s.deadline = now.Add(s.timeout)
	}
	return nil
}

func (s *Session) checkSendLocked(f Family) error {
	switch s.state {
	case StateClosed:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.key)
	case StateUnauthenticated:
		if f != FamilyHandshakeAck || s.role != Initiator {
			return fmt.Errorf("%w: cannot send %s on %s", ErrSessionNotEstablished, f, s.key)
		}
	case StateAwaitingAck:
		if f == FamilyHandshakeAck {
			return fmt.Errorf("%w: %s already sent its ack", ErrUnexpectedHandshake, s.key)
		}
		if !AllowedBeforeEstablished(f) {
			return fmt.Errorf("%w: cannot send %s on %s", ErrSessionNotEstablished, f, s.key)
		}
	case StateEstablished:
		if f == FamilyHandshakeAck && s.ackSent {
			return fmt.Errorf("%w: %s already sent its ack", ErrUnexpectedHandshake, s.key)
		}
		if s.role == Responder && !s.ackSent && f != FamilyHandshakeAck {
			return fmt.Errorf("%w: %s must ack before sending %s", ErrSessionNotEstablished, s.key, f)
		}
	}
	return nil
}

// BeforeReceive gates an inbound envelope ahead of verification.
func (s *Session) BeforeReceive(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := env.Family()
	switch s.state {
	case StateClosed:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.key)
	case StateUnauthenticated, StateAwaitingAck:
		if !AllowedBeforeEstablished(f) {
			return fmt.Errorf("%w: %s received %s", ErrSessionNotEstablished, s.key, f)
		}
	case StateEstablished:
		if f == FamilyHandshakeAck {
			return fmt.Errorf("%w: from %s", ErrUnexpectedHandshake, env.Sender)
		}
		if env.Sender != s.peer {
			return fmt.Errorf("%w: %s on session with %s", ErrPeerMismatch, env.Sender, s.peer)
		}
	}
	return nil
}

// AfterVerified applies the transition caused by an authenticated
// envelope. A verified HandshakeAck establishes the session, a refusing
// ack closes it, and Control close ends it.
func (s *Session) AfterVerified(env Envelope, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.key)
	}
	switch body := env.Body.(type) {
	case *HandshakeAck:
		if s.state == StateEstablished {
			return fmt.Errorf("%w: from %s", ErrUnexpectedHandshake, env.Sender)
		}
		if !body.Accepted {
			err := fmt.Errorf("%w: %s: %s", ErrHandshakeRejected, env.Sender, body.Reason)
			s.closeLocked(err)
			return err
		}
		s.state = StateEstablished
		s.peer = env.Sender
		s.establishedAt = now
	case *Control:
		if body.Type == ControlClose {
			s.closeLocked(fmt.Errorf("%w: closed by %s", ErrSessionClosed, env.Sender))
		}
	}
	return nil
}

// CheckTimeout closes the session with ErrHandshakeTimeout if its handshake
// deadline has passed without establishment.
func (s *Session) CheckTimeout(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUnauthenticated, StateAwaitingAck:
		if !now.After(s.deadline) {
			return nil
		}
		err := fmt.Errorf("%w: %s (%s) after %s", ErrHandshakeTimeout, s.key, s.state, s.timeout)
		s.closeLocked(err)
		return err
	default:
		return nil
	}
}

// Close moves the session to StateClosed. It reports whether this call
// did the closing.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.closeLocked(fmt.Errorf("%w: %s", ErrSessionClosed, s.key))
	return true
}

func (s *Session) closeLocked(err error) {
	s.state = StateClosed
	if s.closeErr == nil {
		s.closeErr = err
	}
}
