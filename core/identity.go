package core

import (
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Optional is a string that may be absent. The zero value is absent, and an
// absent Optional never equals a present one, not even Some("").
type Optional struct {
	value   string
	present bool
}

// Some returns a present Optional holding v.
func Some(v string) Optional { return Optional{value: v, present: true} }

// None returns an absent Optional.
func None() Optional { return Optional{} }

// Get returns the value and whether it is present.
func (o Optional) Get() (string, bool) { return o.value, o.present }

// IsPresent reports whether o holds a value.
func (o Optional) IsPresent() bool { return o.present }

// OrEmpty returns the value, or "" when absent.
func (o Optional) OrEmpty() string { return o.value }

// AgentIdentity names a Satellite or Station. It is a comparable value, so
// == is full four-field equality and identities can key maps directly.
type AgentIdentity struct {
	Agent    string
	Cluster  string
	Version  Optional
	Instance Optional
}

// NewIdentity builds an identity without version or instance.
func NewIdentity(agent, cluster string) AgentIdentity {
	return AgentIdentity{Agent: agent, Cluster: cluster}
}

// WithVersion returns a copy of id carrying version v.
func (id AgentIdentity) WithVersion(v string) AgentIdentity {
	id.Version = Some(v)
	return id
}

// WithInstance returns a copy of id carrying instance v.
func (id AgentIdentity) WithInstance(v string) AgentIdentity {
	id.Instance = Some(v)
	return id
}

// Equal reports whether all four fields match.
func (id AgentIdentity) Equal(other AgentIdentity) bool { return id == other }

// IsZero reports whether id is the zero identity.
func (id AgentIdentity) IsZero() bool { return id == AgentIdentity{} }

// Validate checks the mandatory fields.
func (id AgentIdentity) Validate() error {
	if id.Agent == "" {
		return malformed("identity: empty agent")
	}
	if id.Cluster == "" {
		return malformed("identity: empty cluster")
	}
	return nil
}

const identityLabel = "pap.identity.v1"

const (
	fieldAbsent  = 0x00
	fieldPresent = 0x01
)

// Canonical returns the deterministic byte form of id that is bound into
// every signature. Field order is fixed; each field is either the absent
// sentinel or a presence marker followed by a length-delimited value.
func (id AgentIdentity) Canonical() []byte {
	buf := make([]byte, 0, len(identityLabel)+len(id.Agent)+len(id.Cluster)+32)
	buf = append(buf, identityLabel...)
	buf = appendField(buf, Some(id.Agent))
	buf = appendField(buf, Some(id.Cluster))
	buf = appendField(buf, id.Version)
	buf = appendField(buf, id.Instance)
	return buf
}

func appendField(buf []byte, o Optional) []byte {
	if !o.present {
		return append(buf, fieldAbsent)
	}
	buf = append(buf, fieldPresent)
	return protowire.AppendString(buf, o.value)
}

// String returns agent@cluster, with /version and #instance when present.
func (id AgentIdentity) String() string {
	var b strings.Builder
	b.WriteString(id.Agent)
	b.WriteByte('@')
	b.WriteString(id.Cluster)
	if v, ok := id.Version.Get(); ok {
		b.WriteByte('/')
		b.WriteString(v)
	}
	if v, ok := id.Instance.Get(); ok {
		b.WriteByte('#')
		b.WriteString(v)
	}
	return b.String()
}
