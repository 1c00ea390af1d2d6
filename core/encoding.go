package core

// encoding.go — PAP envelope encoding using the Protobuf wire format.
//
// Envelope bytes are produced/consumed with google.golang.org/protobuf/encoding/protowire,
// which gives us the efficient Protobuf binary layout without requiring protoc code generation.
// The body travels as an opaque bytes field so the receiver hashes exactly what was sent.

import (
	"encoding/binary"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single framed envelope.
const MaxFrameSize = 4 << 20

// ------------------------------------------------------------------ encoder

type enc struct{ buf []byte }

func (e *enc) str(field protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// opt writes present optionals even when empty, so presence survives the
// round trip.
func (e *enc) opt(field protowire.Number, o Optional) {
	v, ok := o.Get()
	if !ok {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *enc) bytes(field protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

func (e *enc) i64(field protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, field, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(v))
}

func (e *enc) ts(field protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	e.i64(field, t.UnixNano())
}

// pairs encodes an ordered string map as repeated proto3 map entries.
// Each entry is a nested message: field 1 = key, field 2 = value.
func (e *enc) pairs(field protowire.Number, a Annotations) {
	for _, kv := range a {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, kv.Key)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, kv.Value)
		e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, entry)
	}
}

func (e *enc) msg(field protowire.Number, inner []byte) {
	e.buf = protowire.AppendTag(e.buf, field, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner)
}

// ------------------------------------------------------------------ decoder

// fields walks a protobuf message, handing each field's value bytes to fn.
// Varints are passed as their decoded value in v.
func fields(data []byte, what string, fn func(num protowire.Number, b []byte, v uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return malformed("%s: invalid tag", what)
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			b, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return malformed("%s: invalid field %d", what, num)
			}
			if err := fn(num, b, 0); err != nil {
				return err
			}
			data = data[n2:]
		case protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return malformed("%s: invalid field %d", what, num)
			}
			if err := fn(num, nil, v); err != nil {
				return err
			}
			data = data[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, data)
			if n2 < 0 {
				return malformed("%s: unknown field %d", what, num)
			}
			data = data[n2:]
		}
	}
	return nil
}

func fromNanos(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

// ------------------------------------------------------------------ AgentIdentity

func encodeIdentity(id AgentIdentity) []byte {
	e := &enc{}
	e.str(1, id.Agent)
	e.str(2, id.Cluster)
	e.opt(3, id.Version)
	e.opt(4, id.Instance)
	return e.buf
}

func decodeIdentity(data []byte) (AgentIdentity, error) {
	var id AgentIdentity
	err := fields(data, "identity", func(num protowire.Number, b []byte, _ uint64) error {
		switch num {
		case 1:
			id.Agent = string(b)
		case 2:
			id.Cluster = string(b)
		case 3:
			id.Version = Some(string(b))
		case 4:
			id.Instance = Some(string(b))
		}
		return nil
	})
	return id, err
}

// ------------------------------------------------------------------ AuthContext

func encodeAuth(a AuthContext) []byte {
	e := &enc{}
	e.bytes(1, a.Signature)
	e.str(2, a.Algorithm)
	e.bytes(3, a.PayloadHash)
	e.str(4, a.Nonce)
	e.ts(5, a.IssuedAt)
	return e.buf
}

func decodeAuth(data []byte) (AuthContext, error) {
	var a AuthContext
	err := fields(data, "auth", func(num protowire.Number, b []byte, v uint64) error {
		switch num {
		case 1:
			a.Signature = append([]byte(nil), b...)
		case 2:
			a.Algorithm = string(b)
		case 3:
			a.PayloadHash = append([]byte(nil), b...)
		case 4:
			a.Nonce = string(b)
		case 5:
			a.IssuedAt = fromNanos(v)
		}
		return nil
	})
	return a, err
}

// ------------------------------------------------------------------ Envelope

// EncodeEnvelope serialises a signed envelope into the Protobuf wire format.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if len(env.RawBody) == 0 {
		return nil, fmt.Errorf("encode envelope %s: body not serialized (sign it first)", env.MessageID)
	}
	e := &enc{}
	e.str(1, env.MessageID)
	e.str(2, env.ParentID)
	e.str(3, env.CorrelationID)
	e.ts(4, env.SentAt)
	e.msg(5, encodeIdentity(env.Sender))
	e.msg(6, encodeAuth(env.Auth))
	e.pairs(7, env.Annotations)
	e.bytes(8, env.RawBody)
	e.str(9, env.TraceID)
	e.str(10, env.SpanID)
	return e.buf, nil
}

// DecodeEnvelope deserialises an envelope from wire bytes and decodes its
// body. RawBody keeps the body bytes exactly as received.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := fields(data, "envelope", func(num protowire.Number, b []byte, v uint64) error {
		var err error
		switch num {
		case 1:
			env.MessageID = string(b)
		case 2:
			env.ParentID = string(b)
		case 3:
			env.CorrelationID = string(b)
		case 4:
			env.SentAt = fromNanos(v)
		case 5:
			env.Sender, err = decodeIdentity(b)
		case 6:
			env.Auth, err = decodeAuth(b)
		case 7:
			k, val, derr := decodeStrMapEntry(b)
			if derr != nil {
				return derr
			}
			env.Annotations = append(env.Annotations, Annotation{Key: k, Value: val})
		case 8:
			env.RawBody = append([]byte(nil), b...)
		case 9:
			env.TraceID = string(b)
		case 10:
			env.SpanID = string(b)
		}
		return err
	})
	if err != nil {
		return Envelope{}, err
	}
	if len(env.RawBody) == 0 {
		return Envelope{}, malformed("envelope %q: missing body", env.MessageID)
	}
	env.Body, err = DecodeBody(env.RawBody)
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeStrMapEntry(b []byte) (key, val string, err error) {
	err = fields(b, "annotation", func(num protowire.Number, v []byte, _ uint64) error {
		switch num {
		case 1:
			key = string(v)
		case 2:
			val = string(v)
		}
		return nil
	})
	return key, val, err
}

// ------------------------------------------------------------------ framing

// Frame wraps encoded envelope bytes with a 4-byte big-endian length prefix
// and a 1-byte body family, ready to be sent over a stream.
//
// Layout: [4 bytes: uint32 frame length] [1 byte: Family] [N bytes: payload]
func Frame(f Family, payload []byte) []byte {
	total := 1 + len(payload)
	frame := make([]byte, 4+total)
	binary.BigEndian.PutUint32(frame[:4], uint32(total))
	frame[4] = byte(f)
	copy(frame[5:], payload)
	return frame
}

// Unframe reads one framed envelope, returning the family and raw payload.
// The caller must supply at least 5 bytes (4-byte header + family byte).
func Unframe(frame []byte) (Family, []byte, error) {
	if len(frame) < 5 {
		return 0, nil, fmt.Errorf("frame too short (%d bytes)", len(frame))
	}
	total := int(binary.BigEndian.Uint32(frame[:4]))
	if total < 1 || total > MaxFrameSize {
		return 0, nil, fmt.Errorf("invalid frame length %d", total)
	}
	if len(frame) < 4+total {
		return 0, nil, fmt.Errorf("frame incomplete: need %d bytes, have %d", 4+total, len(frame))
	}
	return Family(frame[4]), frame[5 : 4+total], nil
}

// MarshalFrame encodes and frames env in one step.
func MarshalFrame(env Envelope) ([]byte, error) {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	return Frame(env.Family(), payload), nil
}
