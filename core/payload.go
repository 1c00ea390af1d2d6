package core

// payload.go — body serialization.
//
// A serialized body is one family byte followed by the payload in CBOR
// Core Deterministic Encoding (RFC 8949 §4.2). Those bytes are what the
// payload hash covers, so the same logical body must always produce the
// same bytes.

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	bodyEncMode cbor.EncMode
	bodyDecMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	bodyEncMode, err = opts.EncMode()
	if err != nil {
		panic("core: CBOR encoder initialization failed: " + err.Error())
	}
	bodyDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("core: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeBody serializes body for transmission.
func EncodeBody(body MessageBody) ([]byte, error) {
	if body == nil {
		return nil, malformed("nil body")
	}
	f := body.Family()
	if !f.Valid() {
		return nil, malformed("unknown body %s", f)
	}
	payload, err := bodyEncMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", f, err)
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(f))
	return append(out, payload...), nil
}

// DecodeBody parses bytes produced by EncodeBody.
func DecodeBody(raw []byte) (MessageBody, error) {
	if len(raw) == 0 {
		return nil, malformed("empty body")
	}
	body, err := newBody(Family(raw[0]))
	if err != nil {
		return nil, err
	}
	if err := bodyDecMode.Unmarshal(raw[1:], body); err != nil {
		return nil, malformed("decode %s body: %v", body.Family(), err)
	}
	return body, nil
}

// BodyFamily reads the family tag of a serialized body without decoding it.
func BodyFamily(raw []byte) (Family, error) {
	if len(raw) == 0 {
		return 0, malformed("empty body")
	}
	f := Family(raw[0])
	if !f.Valid() {
		return 0, malformed("unknown body %s", f)
	}
	return f, nil
}

func newBody(f Family) (MessageBody, error) {
	switch f {
	case FamilyInvoke:
		return &Invoke{}, nil
	case FamilyResponse:
		return &Response{}, nil
	case FamilyEvent:
		return &Event{}, nil
	case FamilyError:
		return &Error{}, nil
	case FamilyControl:
		return &Control{}, nil
	case FamilyHandshakeAck:
		return &HandshakeAck{}, nil
	default:
		return nil, malformed("unknown body %s", f)
	}
}
