package core

import (
	"time"

	"github.com/google/uuid"
)

// Annotation is one key/value pair attached to an Envelope.
type Annotation struct {
	Key   string
	Value string
}

// Annotations is an ordered string map. Insertion order is preserved on
// the wire; setting an existing key replaces its value in place.
type Annotations []Annotation

// Get returns the value stored for key.
func (a Annotations) Get(key string) (string, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// With returns a copy of a with key set to value.
func (a Annotations) With(key, value string) Annotations {
	out := make(Annotations, len(a), len(a)+1)
	copy(out, a)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Annotation{Key: key, Value: value})
}

// Map returns an unordered copy.
func (a Annotations) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, kv := range a {
		m[kv.Key] = kv.Value
	}
	return m
}

// Envelope wraps every PAP message exchanged between Station and Satellite.
//
// Optional ids are empty when absent. RawBody holds the body exactly as
// transmitted; it is filled in by signing on the way out and by decoding
// on the way in, and is the input to the payload hash.
type Envelope struct {
	MessageID     string
	ParentID      string
	CorrelationID string
	SentAt        time.Time
	Sender        AgentIdentity
	Auth          AuthContext
	Annotations   Annotations
	Body          MessageBody
	RawBody       []byte

	// OpenTelemetry-compatible identifiers (hex).
	TraceID string
	SpanID  string
}

// EnvelopeOption customises NewEnvelope.
type EnvelopeOption func(*Envelope)

// WithMessageID overrides the generated message id.
func WithMessageID(id string) EnvelopeOption {
	return func(e *Envelope) { e.MessageID = id }
}

// WithParent records causal ancestry. Informational only.
func WithParent(id string) EnvelopeOption {
	return func(e *Envelope) { e.ParentID = id }
}

// WithCorrelation marks the envelope as answering the Invoke with id.
func WithCorrelation(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithAnnotation appends or replaces an annotation.
func WithAnnotation(key, value string) EnvelopeOption {
	return func(e *Envelope) { e.Annotations = e.Annotations.With(key, value) }
}

// WithTrace attaches OpenTelemetry trace and span ids.
func WithTrace(traceID, spanID string) EnvelopeOption {
	return func(e *Envelope) {
		e.TraceID = traceID
		e.SpanID = spanID
	}
}

// WithSentAt overrides the send timestamp.
func WithSentAt(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.SentAt = t.UTC().Round(0) }
}

// NewEnvelope seeds an unsigned envelope with a freshly generated UUID.
func NewEnvelope(sender AgentIdentity, body MessageBody, opts ...EnvelopeOption) Envelope {
	e := Envelope{
		MessageID: uuid.NewString(),
		SentAt:    time.Now().UTC().Round(0),
		Sender:    sender,
		Body:      body,
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

// Family returns the body family, or 0 for a nil body.
func (e Envelope) Family() Family {
	if e.Body == nil {
		return 0
	}
	return e.Body.Family()
}

// Reply builds an unsigned envelope answering e, with correlation and
// parent both pointing at e.
func (e Envelope) Reply(sender AgentIdentity, body MessageBody, opts ...EnvelopeOption) Envelope {
	base := []EnvelopeOption{WithCorrelation(e.MessageID), WithParent(e.MessageID)}
	if e.TraceID != "" {
		base = append(base, WithTrace(e.TraceID, e.SpanID))
	}
	return NewEnvelope(sender, body, append(base, opts...)...)
}

// Validate checks that e maps completely onto the data model. It runs
// before any cryptographic check.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return malformed("missing message_id")
	}
	if err := e.Sender.Validate(); err != nil {
		return err
	}
	if e.SentAt.IsZero() {
		return malformed("missing sent_at")
	}
	if e.Body == nil {
		return malformed("missing body")
	}
	f := e.Body.Family()
	if !f.Valid() {
		return malformed("unknown body %s", f)
	}
	raw, err := BodyFamily(e.RawBody)
	if err != nil {
		return err
	}
	if raw != f {
		return malformed("raw body is %s, decoded body is %s", raw, f)
	}
	if Correlated(f) && e.CorrelationID == "" {
		return malformed("%s without correlation_id", f)
	}
	return e.Auth.validate()
}
