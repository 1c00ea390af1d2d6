package p2p

// protocol.go — Higher-level helpers built on top of AgentHost.
//
// WorkflowOrchestrator fans a set of Invoke steps out over established
// sessions and gathers their outcomes. Steps run concurrently; the first
// failing step is reported but never cancels its siblings.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/olserra/pap/core"
)

// WorkflowOrchestrator dispatches workflow steps over a host's sessions.
type WorkflowOrchestrator struct {
	host    *AgentHost
	timeout time.Duration
}

// NewOrchestrator creates a WorkflowOrchestrator backed by host. A
// non-positive stepTimeout falls back to the router's invocation timeout.
func NewOrchestrator(host *AgentHost, stepTimeout time.Duration) *WorkflowOrchestrator {
	if stepTimeout <= 0 {
		stepTimeout = host.Router().Config().InvokeTimeout
	}
	return &WorkflowOrchestrator{host: host, timeout: stepTimeout}
}

// WorkflowStep describes one step in a distributed workflow.
type WorkflowStep struct {
	ID      string       // Unique step identifier
	Session string       // Session key the step is sent on
	Invoke  *core.Invoke // Command to issue
}

// StepResult carries the outcome of a single workflow step.
type StepResult struct {
	StepID    string
	Session   string
	Responder core.AgentIdentity
	Status    core.StatusCode
	Reply     core.Envelope
	Err       error
	Timestamp time.Time
}

// OK reports whether the step was answered with a Response.
func (r StepResult) OK() bool {
	return r.Err == nil && r.Reply.Family() == core.FamilyResponse
}

// RunWorkflow sends one Invoke per step and collects the results in step
// order. The returned error is the first step failure, if any; an Error
// body from the peer counts as a failure.
func (o *WorkflowOrchestrator) RunWorkflow(ctx context.Context, workflowID string, steps []WorkflowStep) ([]StepResult, error) {
	results := make([]StepResult, len(steps))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, step := range steps {
		wg.Add(1)
		go func(idx int, s WorkflowStep) {
			defer wg.Done()

			r := o.executeStep(ctx, workflowID, s)
			mu.Lock()
			defer mu.Unlock()
			if r.Err != nil && firstErr == nil {
				firstErr = fmt.Errorf("step %q: %w", s.ID, r.Err)
			}
			results[idx] = r
		}(i, step)
	}

	wg.Wait()
	return results, firstErr
}

// ErrStepFailed wraps a step answered with an Error body.
var ErrStepFailed = errors.New("workflow step failed")

func (o *WorkflowOrchestrator) executeStep(ctx context.Context, workflowID string, step WorkflowStep) StepResult {
	res := StepResult{StepID: step.ID, Session: step.Session}
	if step.Invoke == nil {
		res.Err = fmt.Errorf("%w: step has no invoke", core.ErrMalformedEnvelope)
		res.Timestamp = o.host.router.Now()
		return res
	}

	inv := *step.Invoke
	inv.Metadata = copyMetadata(step.Invoke.Metadata)
	inv.Metadata["workflow_id"] = workflowID
	inv.Metadata["step_id"] = step.ID
	now := o.host.router.Now()
	if inv.Deadline.IsZero() {
		inv.Deadline = now.Add(o.timeout)
	}

	stepCtx, cancel := context.WithTimeout(ctx, inv.Deadline.Sub(now))
	defer cancel()

	reply, err := o.host.Invoke(stepCtx, step.Session, &inv, core.WithAnnotation("workflow_id", workflowID))
	res.Timestamp = o.host.router.Now()
	if err != nil {
		res.Err = err
		res.Status = core.StatusTimeout
		if !errors.Is(err, core.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			res.Status = core.StatusDependencyFailed
		}
		return res
	}

	res.Reply = reply
	res.Responder = reply.Sender
	switch body := reply.Body.(type) {
	case *core.Response:
		res.Status = body.Status
	case *core.Error:
		res.Status = body.Code
		res.Err = fmt.Errorf("%w: %s: %s", ErrStepFailed, body.Code, body.Message)
	}
	return res
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ------------------------------------------------------------------ convenience

// HandshakeResult summarises a completed handshake.
type HandshakeResult struct {
	Key           string
	Peer          core.AgentIdentity
	PeerID        peer.ID
	EstablishedAt time.Time
}

// DialAndHandshake connects to info, completes the PAP handshake and
// reports who answered.
func DialAndHandshake(ctx context.Context, h *AgentHost, info peer.AddrInfo) (HandshakeResult, error) {
	key, err := h.Dial(ctx, info)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("handshake: %w", err)
	}
	s, ok := h.Router().Session(key)
	if !ok {
		return HandshakeResult{}, fmt.Errorf("handshake: %w: session %s vanished", core.ErrSessionClosed, key)
	}
	id, ok := s.Peer()
	if !ok {
		return HandshakeResult{}, fmt.Errorf("handshake: %w: no peer on %s", core.ErrSessionNotEstablished, key)
	}
	return HandshakeResult{
		Key:           key,
		Peer:          id,
		PeerID:        info.ID,
		EstablishedAt: s.EstablishedAt(),
	}, nil
}
