// Package core provides the envelope, authentication, replay and
// correlation layer of the Plugged.in Agent Protocol (PAP), together with
// the per-peer handshake state machine that gates application traffic.
package core

import "fmt"

// Family identifies the kind of body carried by an Envelope.
type Family byte

const (
	FamilyInvoke       Family = 0x01
	FamilyResponse     Family = 0x02
	FamilyEvent        Family = 0x03
	FamilyError        Family = 0x04
	FamilyControl      Family = 0x05
	FamilyHandshakeAck Family = 0x06
)

// ProtocolVersion is the current PAP wire-protocol version.
const ProtocolVersion = "1.0.0"

// Families returns every known body family in wire order.
func Families() []Family {
	return []Family{
		FamilyInvoke,
		FamilyResponse,
		FamilyEvent,
		FamilyError,
		FamilyControl,
		FamilyHandshakeAck,
	}
}

func (f Family) String() string {
	switch f {
	case FamilyInvoke:
		return "invoke"
	case FamilyResponse:
		return "response"
	case FamilyEvent:
		return "event"
	case FamilyError:
		return "error"
	case FamilyControl:
		return "control"
	case FamilyHandshakeAck:
		return "handshake_ack"
	default:
		return fmt.Sprintf("family(0x%02x)", byte(f))
	}
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyInvoke, FamilyResponse, FamilyEvent, FamilyError, FamilyControl, FamilyHandshakeAck:
		return true
	default:
		return false
	}
}

// Correlated reports whether envelopes of family f answer an Invoke and
// therefore must carry a correlation id.
func Correlated(f Family) bool {
	switch f {
	case FamilyResponse, FamilyError:
		return true
	case FamilyInvoke, FamilyEvent, FamilyControl, FamilyHandshakeAck:
		return false
	default:
		return false
	}
}

// AllowedBeforeEstablished reports whether family f may cross a session
// that has not yet completed its handshake.
func AllowedBeforeEstablished(f Family) bool {
	switch f {
	case FamilyHandshakeAck:
		return true
	case FamilyInvoke, FamilyResponse, FamilyEvent, FamilyError, FamilyControl:
		return false
	default:
		return false
	}
}
