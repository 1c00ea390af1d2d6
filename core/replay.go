package core

// replay.go — per-sender nonce bookkeeping.
//
// A nonce is remembered for as long as its issued_at is inside the
// validity window. Once the timestamp itself would be rejected as stale the
// entry can no longer shadow anything and is dropped, which bounds memory
// by window × send rate.

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Default replay parameters.
const (
	DefaultReplayWindow = 5 * time.Minute
	DefaultClockSkew    = 30 * time.Second
)

// ReplayGuard rejects envelopes whose (sender, nonce) was already seen
// within the window, and envelopes whose issued_at lies outside
// [now-window, now+skew]. All methods are concurrency-safe.
type ReplayGuard struct {
	window time.Duration
	skew   time.Duration

	mu      sync.Mutex
	senders map[AgentIdentity]*nonceSet
}

// NewReplayGuard creates a guard. A non-positive window or a negative skew
// selects the default.
func NewReplayGuard(window, skew time.Duration) *ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if skew < 0 {
		skew = DefaultClockSkew
	}
	return &ReplayGuard{
		window:  window,
		skew:    skew,
		senders: make(map[AgentIdentity]*nonceSet),
	}
}

// Window returns the validity window.
func (g *ReplayGuard) Window() time.Duration { return g.window }

// Admit records nonce for sender, or reports why it cannot. The
// check-and-insert is atomic: of two concurrent calls with the same nonce,
// exactly one succeeds.
func (g *ReplayGuard) Admit(sender AgentIdentity, nonce string, issuedAt, now time.Time) error {
	oldest := now.Add(-g.window)
	if issuedAt.Before(oldest) {
		return fmt.Errorf("%w: issued %s, window starts %s", ErrStaleTimestamp,
			issuedAt.Format(time.RFC3339Nano), oldest.Format(time.RFC3339Nano))
	}
	if latest := now.Add(g.skew); issuedAt.After(latest) {
		return fmt.Errorf("%w: issued %s is ahead of %s", ErrStaleTimestamp,
			issuedAt.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.senders[sender]
	if !ok {
		set = newNonceSet()
		g.senders[sender] = set
	}
	set.purge(oldest)
	if _, seen := set.seen[nonce]; seen {
		return fmt.Errorf("%w: nonce %s from %s", ErrNonceReplay, nonce, sender)
	}
	set.add(nonce, issuedAt)
	return nil
}

// Sweep purges expired nonces for every sender and forgets senders with
// nothing left. It returns the number of nonces removed.
func (g *ReplayGuard) Sweep(now time.Time) int {
	oldest := now.Add(-g.window)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, set := range g.senders {
		n += set.purge(oldest)
		if len(set.seen) == 0 {
			delete(g.senders, id)
		}
	}
	return n
}

// Len returns the number of nonces currently remembered.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, set := range g.senders {
		n += len(set.seen)
	}
	return n
}

// Reset drops all replay history. Only safe when every peer is forced to
// re-handshake afterwards.
func (g *ReplayGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.senders = make(map[AgentIdentity]*nonceSet)
}

// ------------------------------------------------------------------ nonce set

type nonceEntry struct {
	nonce    string
	issuedAt time.Time
}

// nonceHeap is a min-heap on issuedAt, so purging only looks at the top.
type nonceHeap []nonceEntry

func (h nonceHeap) Len() int           { return len(h) }
func (h nonceHeap) Less(i, j int) bool { return h[i].issuedAt.Before(h[j].issuedAt) }
func (h nonceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nonceHeap) Push(x any)        { *h = append(*h, x.(nonceEntry)) }
func (h *nonceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type nonceSet struct {
	seen  map[string]time.Time
	order nonceHeap
}

func newNonceSet() *nonceSet {
	return &nonceSet{seen: make(map[string]time.Time)}
}

func (s *nonceSet) add(nonce string, issuedAt time.Time) {
	s.seen[nonce] = issuedAt
	heap.Push(&s.order, nonceEntry{nonce: nonce, issuedAt: issuedAt})
}

func (s *nonceSet) purge(oldest time.Time) int {
	n := 0
	for s.order.Len() > 0 && s.order[0].issuedAt.Before(oldest) {
		e := heap.Pop(&s.order).(nonceEntry)
		delete(s.seen, e.nonce)
		n++
	}
	return n
}
