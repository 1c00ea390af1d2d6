package core

import "time"

// MessageBody is the payload of an Envelope. The family tag alone drives
// correlation and handshake gating; the payload fields are opaque to the
// protocol layer.
type MessageBody interface {
	Family() Family
}

// StatusCode is the outcome vocabulary shared by Response and Error bodies.
type StatusCode string

const (
	StatusOK                 StatusCode = "OK"
	StatusAccepted           StatusCode = "ACCEPTED"
	StatusBadRequest         StatusCode = "BAD_REQUEST"
	StatusUnauthorized       StatusCode = "UNAUTHORIZED"
	StatusForbidden          StatusCode = "FORBIDDEN"
	StatusNotFound           StatusCode = "NOT_FOUND"
	StatusTimeout            StatusCode = "TIMEOUT"
	StatusConflict           StatusCode = "CONFLICT"
	StatusRateLimited        StatusCode = "RATE_LIMITED"
	StatusAgentUnhealthy     StatusCode = "AGENT_UNHEALTHY"
	StatusAgentBusy          StatusCode = "AGENT_BUSY"
	StatusDependencyFailed   StatusCode = "DEPENDENCY_FAILED"
	StatusInternalError      StatusCode = "INTERNAL_ERROR"
	StatusProxyError         StatusCode = "PROXY_ERROR"
	StatusVersionUnsupported StatusCode = "VERSION_UNSUPPORTED"
)

// ControlType enumerates lifecycle directives.
type ControlType string

const (
	ControlTerminate ControlType = "terminate"
	ControlForceKill ControlType = "force_kill"
	ControlPause     ControlType = "pause"
	ControlResume    ControlType = "resume"
	ControlPing      ControlType = "ping"
	// ControlClose ends the session it is received on.
	ControlClose ControlType = "close"
)

// EventType enumerates the kinds of Event bodies.
type EventType string

const (
	EventHeartbeat EventType = "heartbeat"
	EventLog       EventType = "log"
	EventAlert     EventType = "alert"
	EventMetric    EventType = "metric"
)

// Target addresses the agent and capability an Invoke is meant for.
type Target struct {
	Agent      string `cbor:"agent"`
	Namespace  string `cbor:"namespace,omitempty"`
	Capability string `cbor:"capability,omitempty"`
}

// Invoke issues a command to an agent. A zero Deadline means the router's
// default invocation timeout applies.
type Invoke struct {
	Target      Target            `cbor:"target"`
	Method      string            `cbor:"method"`
	Arguments   map[string]any    `cbor:"arguments,omitempty"`
	Deadline    time.Time         `cbor:"deadline"`
	ExpectReply bool              `cbor:"expect_reply"`
	Metadata    map[string]string `cbor:"metadata,omitempty"`
}

func (*Invoke) Family() Family { return FamilyInvoke }

// OutputChunk is one piece of Response output.
type OutputChunk struct {
	ContentType string         `cbor:"content_type"`
	Data        []byte         `cbor:"data"`
	Annotations map[string]any `cbor:"annotations,omitempty"`
}

// Response answers an Invoke.
type Response struct {
	Status   StatusCode        `cbor:"status"`
	Outputs  []OutputChunk     `cbor:"outputs,omitempty"`
	Metadata map[string]string `cbor:"metadata,omitempty"`
	IsFinal  bool              `cbor:"is_final"`
}

func (*Response) Family() Family { return FamilyResponse }

// Heartbeat reports liveness and load.
type Heartbeat struct {
	CPUPercent    float64            `cbor:"cpu_percent"`
	MemoryMB      float64            `cbor:"memory_mb"`
	UptimeSeconds float64            `cbor:"uptime_seconds"`
	ActiveJobs    int                `cbor:"active_jobs"`
	Gauges        map[string]float64 `cbor:"gauges,omitempty"`
}

// LogEvent carries one log record.
type LogEvent struct {
	Level   string         `cbor:"level"`
	Message string         `cbor:"message"`
	Fields  map[string]any `cbor:"fields,omitempty"`
}

// AlertEvent carries an operator-facing alert.
type AlertEvent struct {
	Title       string         `cbor:"title"`
	Description string         `cbor:"description"`
	Severity    string         `cbor:"severity"`
	Labels      map[string]any `cbor:"labels,omitempty"`
}

// MetricPoint is one observation.
type MetricPoint struct {
	Name       string            `cbor:"name"`
	Value      float64           `cbor:"value"`
	ObservedAt time.Time         `cbor:"observed_at"`
	Attributes map[string]string `cbor:"attributes,omitempty"`
}

// MetricBatch groups observations.
type MetricBatch struct {
	Points []MetricPoint `cbor:"points"`
}

// Event is a fire-and-forget notification. Exactly one of the typed
// fields is expected to be set, matching Type.
type Event struct {
	Type      EventType      `cbor:"event_type"`
	Context   map[string]any `cbor:"context,omitempty"`
	Heartbeat *Heartbeat     `cbor:"heartbeat,omitempty"`
	Log       *LogEvent      `cbor:"log,omitempty"`
	Alert     *AlertEvent    `cbor:"alert,omitempty"`
	Metrics   *MetricBatch   `cbor:"metrics,omitempty"`
}

func (*Event) Family() Family { return FamilyEvent }

// Error reports a failed Invoke.
type Error struct {
	Code        StatusCode     `cbor:"code"`
	Message     string         `cbor:"message"`
	Recoverable bool           `cbor:"recoverable"`
	Details     map[string]any `cbor:"details,omitempty"`
}

func (*Error) Family() Family { return FamilyError }

// Control is a lifecycle directive.
type Control struct {
	Type      ControlType    `cbor:"control_type"`
	Arguments map[string]any `cbor:"arguments,omitempty"`
	EnforceAt time.Time      `cbor:"enforce_at"`
}

func (*Control) Family() Family { return FamilyControl }

// HandshakeAck proves identity during session establishment. Each side
// sends one; the signature over the enclosing envelope is the proof.
type HandshakeAck struct {
	Accepted     bool     `cbor:"accepted"`
	Reason       string   `cbor:"reason,omitempty"`
	Version      string   `cbor:"version"`
	Capabilities []string `cbor:"capabilities,omitempty"`
}

func (*HandshakeAck) Family() Family { return FamilyHandshakeAck }
