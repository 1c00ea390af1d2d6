package core

// correlation.go — matching Response/Error envelopes to the Invoke they
// answer.
//
// The tracker is the only owner of pending invocations. Each entry leaves
// the map exactly once: resolved, cancelled, swept, or force-expired with
// its route. Whoever removes it is the only one to observe it.

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ExpectedResponder is the identity an invocation expects its answer
// from, or a wildcard accepting any authenticated sender.
type ExpectedResponder struct {
	id  AgentIdentity
	any bool
}

// AnyResponder accepts an answer from any sender.
func AnyResponder() ExpectedResponder { return ExpectedResponder{any: true} }

// ExpectResponder only accepts answers from id.
func ExpectResponder(id AgentIdentity) ExpectedResponder { return ExpectedResponder{id: id} }

// Matches reports whether sender may answer.
func (r ExpectedResponder) Matches(sender AgentIdentity) bool {
	return r.any || r.id == sender
}

// Identity returns the expected identity, or false for the wildcard.
func (r ExpectedResponder) Identity() (AgentIdentity, bool) {
	if r.any {
		return AgentIdentity{}, false
	}
	return r.id, true
}

func (r ExpectedResponder) String() string {
	if r.any {
		return "*"
	}
	return r.id.String()
}

// PendingInvocation is the state kept for an Invoke awaiting its answer.
type PendingInvocation struct {
	CorrelationID string
	InitiatedAt   time.Time
	Deadline      time.Time
	Responder     ExpectedResponder
	// Route is the session key the Invoke was sent on; closing that
	// session force-expires the entry.
	Route string
}

// CorrelationTracker maps outstanding correlation ids to pending
// invocations. All methods are concurrency-safe.
type CorrelationTracker struct {
	mu      sync.Mutex
	pending map[string]PendingInvocation
	clock   func() time.Time
}

// NewCorrelationTracker creates an empty tracker.
func NewCorrelationTracker() *CorrelationTracker {
	return &CorrelationTracker{
		pending: make(map[string]PendingInvocation),
		clock:   time.Now,
	}
}

// WithClock overrides the clock used for InitiatedAt.
func (t *CorrelationTracker) WithClock(clock func() time.Time) *CorrelationTracker {
	t.clock = clock
	return t
}

// RegisterInvoke starts tracking correlationID until deadline.
func (t *CorrelationTracker) RegisterInvoke(correlationID string, deadline time.Time, responder ExpectedResponder, route string) error {
	if correlationID == "" {
		return malformed("register: empty correlation id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[correlationID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	t.pending[correlationID] = PendingInvocation{
		CorrelationID: correlationID,
		InitiatedAt:   t.clock(),
		Deadline:      deadline,
		Responder:     responder,
		Route:         route,
	}
	return nil
}

// Resolve matches a Response or Error envelope to its pending invocation
// and removes it. A reply from the wrong sender leaves the entry in place
// for the genuine responder; a late reply removes it and fails with
// ErrExpired so a timed-out caller is never satisfied afterwards.
func (t *CorrelationTracker) Resolve(env Envelope, now time.Time) (PendingInvocation, error) {
	f := env.Family()
	if !Correlated(f) {
		return PendingInvocation{}, fmt.Errorf("%w: %s", ErrNotCorrelated, f)
	}
	if env.CorrelationID == "" {
		return PendingInvocation{}, malformed("%s without correlation_id", f)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[env.CorrelationID]
	if !ok {
		return PendingInvocation{}, fmt.Errorf("%w: %s", ErrUnknownCorrelation, env.CorrelationID)
	}
	if !p.Responder.Matches(env.Sender) {
		return PendingInvocation{}, fmt.Errorf("%w: %s answered by %s, expected %s",
			ErrResponderMismatch, env.CorrelationID, env.Sender, p.Responder)
	}
	delete(t.pending, env.CorrelationID)
	if now.After(p.Deadline) {
		return p, fmt.Errorf("%w: %s, deadline %s", ErrExpired, env.CorrelationID,
			p.Deadline.Format(time.RFC3339Nano))
	}
	return p, nil
}

// Cancel stops tracking correlationID. A later answer resolves as
// ErrUnknownCorrelation.
func (t *CorrelationTracker) Cancel(correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[correlationID]; !ok {
		return false
	}
	delete(t.pending, correlationID)
	return true
}

// Sweep removes every invocation whose deadline has passed and returns
// their ids, earliest deadline first. Ids already removed are never
// reported again.
func (t *CorrelationTracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(func(p PendingInvocation) bool { return now.After(p.Deadline) })
}

// ExpireRoute force-expires every invocation sent on route.
func (t *CorrelationTracker) ExpireRoute(route string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(func(p PendingInvocation) bool { return p.Route == route })
}

// Pending returns the number of outstanding invocations.
func (t *CorrelationTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Lookup returns the pending entry for correlationID without removing it.
func (t *CorrelationTracker) Lookup(correlationID string) (PendingInvocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[correlationID]
	return p, ok
}

func (t *CorrelationTracker) removeLocked(match func(PendingInvocation) bool) []string {
	var hit []PendingInvocation
	for id, p := range t.pending {
		if match(p) {
			hit = append(hit, p)
			delete(t.pending, id)
		}
	}
	sort.Slice(hit, func(i, j int) bool {
		if !hit[i].Deadline.Equal(hit[j].Deadline) {
			return hit[i].Deadline.Before(hit[j].Deadline)
		}
		return hit[i].CorrelationID < hit[j].CorrelationID
	})
	ids := make([]string, len(hit))
	for i, p := range hit {
		ids[i] = p.CorrelationID
	}
	return ids
}
