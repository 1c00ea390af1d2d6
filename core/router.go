package core

// router.go — composition root for one protocol endpoint.
//
// Outbound:  session gate -> sign -> register Invoke -> mark sent
// Inbound:   validate -> session gate -> verify -> replay admit
//            -> session transition -> resolve correlation
//
// Every rejection is returned to the caller, logged, and counted.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

// Delivery is an inbound envelope that passed every check. Pending is set
// when the envelope resolved one of our invocations.
type Delivery struct {
	Envelope Envelope
	Pending  *PendingInvocation
}

// SweepReport lists what a sweep removed.
type SweepReport struct {
	// Expired holds correlation ids whose callers must now observe
	// ErrTimeout, earliest deadline first.
	Expired          []string
	TimedOutSessions []string
	Nonces           int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock overrides the router clock. It is also used for issued_at.
func WithClock(clock func() time.Time) RouterOption {
	return func(r *Router) { r.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// WithAudit records every processed envelope to an audit log.
func WithAudit(l *Logger) RouterOption {
	return func(r *Router) { r.audit = l }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithAuthOptions passes options through to the AuthCodec.
func WithAuthOptions(opts ...AuthOption) RouterOption {
	return func(r *Router) { r.authOpts = append(r.authOpts, opts...) }
}

// WithSweepHook is called after every sweep that removed something.
func WithSweepHook(fn func(SweepReport)) RouterOption {
	return func(r *Router) { r.onSweep = fn }
}

// Router runs the protocol checks for the local agent across all of its
// sessions.
type Router struct {
	cfg   Config
	local AgentIdentity
	key   SigningKey

	auth    *AuthCodec
	replay  *ReplayGuard
	tracker *CorrelationTracker

	clock    func() time.Time
	log      *slog.Logger
	audit    *Logger
	metrics  *Metrics
	authOpts []AuthOption
	onSweep  func(SweepReport)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRouter creates a router signing as local with key and verifying
// peers against creds.
func NewRouter(cfg Config, local AgentIdentity, key SigningKey, creds CredentialSource, opts ...RouterOption) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := local.Validate(); err != nil {
		return nil, fmt.Errorf("router: local identity: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("router: nil credential source")
	}
	r := &Router{
		cfg:      cfg,
		local:    local,
		key:      key,
		clock:    time.Now,
		log:      slog.Default().With("component", "pap.router"),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}

	authOpts := []AuthOption{WithAuthClock(r.clock)}
	if len(cfg.Algorithms) > 0 {
		authOpts = append(authOpts, WithAlgorithms(cfg.Algorithms...))
	}
	r.auth = NewAuthCodec(creds, append(authOpts, r.authOpts...)...)
	if _, ok := r.auth.schemes[key.Algorithm]; !ok {
		return nil, fmt.Errorf("router: %w %q for local key", ErrUnknownAlgorithm, key.Algorithm)
	}
	r.replay = NewReplayGuard(cfg.ReplayWindow, cfg.ClockSkew)
	r.tracker = NewCorrelationTracker().WithClock(r.clock)
	return r, nil
}

// Local returns the identity the router signs as.
func (r *Router) Local() AgentIdentity { return r.local }

// Config returns the active configuration.
func (r *Router) Config() Config { return r.cfg }

// Pending returns the number of outstanding invocations.
func (r *Router) Pending() int { return r.tracker.Pending() }

// Now reads the router clock. Deadlines handed to the router should be
// computed from it.
func (r *Router) Now() time.Time { return r.clock() }

// OpenSession starts tracking a connection. Reopening a closed key
// replaces the old session.
func (r *Router) OpenSession(key string, role Role) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && s.State() != StateClosed {
		return nil, fmt.Errorf("router: session %s already open", key)
	}
	s := NewSession(key, role, r.cfg.HandshakeTimeout, r.clock())
	r.sessions[key] = s
	r.log.Debug("session opened", "session", key, "role", role.String())
	return s, nil
}

// Session returns the session for key.
func (r *Router) Session(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// CloseSession closes the session and force-expires every invocation
// still waiting on it. The expired ids are returned.
func (r *Router) CloseSession(key string) []string {
	s, ok := r.Session(key)
	if !ok {
		return nil
	}
	if s.Close() {
		r.log.Debug("session closed", "session", key)
	}
	return r.expireRoute(key)
}

func (r *Router) expireRoute(key string) []string {
	ids := r.tracker.ExpireRoute(key)
	r.metrics.invocationsExpired(context.Background(), len(ids))
	return ids
}

func (r *Router) lookup(key string) (*Session, error) {
	s, ok := r.Session(key)
	if !ok {
		return nil, fmt.Errorf("%w: no session %s", ErrSessionNotEstablished, key)
	}
	return s, nil
}

// Send signs draft for the session under key. An Invoke expecting a reply
// is registered under its message id, which the answer must carry as its
// correlation id. Sending a Control close ends the session and expires
// every invocation still waiting on it.
func (r *Router) Send(key string, draft Envelope) (Envelope, error) {
	ctx := context.Background()
	if draft.Sender.IsZero() {
		draft.Sender = r.local
	}
	if draft.Sender != r.local {
		return Envelope{}, r.reject(ctx, directionOutbound, draft,
			malformed("sender %s is not the local agent %s", draft.Sender, r.local))
	}
	f := draft.Family()
	if !f.Valid() {
		return Envelope{}, r.reject(ctx, directionOutbound, draft, malformed("unknown body %s", f))
	}
	s, err := r.lookup(key)
	if err != nil {
		return Envelope{}, r.reject(ctx, directionOutbound, draft, err)
	}
	if err := s.CheckSend(f); err != nil {
		return Envelope{}, r.reject(ctx, directionOutbound, draft, err)
	}
	signed, err := r.auth.Sign(draft, r.key)
	if err != nil {
		return Envelope{}, r.reject(ctx, directionOutbound, draft, err)
	}

	registered := false
	if inv, ok := signed.Body.(*Invoke); ok && inv.ExpectReply {
		now := r.clock()
		deadline := inv.Deadline
		if deadline.IsZero() {
			deadline = now.Add(r.cfg.InvokeTimeout)
		}
		responder := AnyResponder()
		if peer, ok := s.Peer(); ok {
			responder = ExpectResponder(peer)
		}
		if err := r.tracker.RegisterInvoke(signed.MessageID, deadline, responder, key); err != nil {
			return Envelope{}, r.reject(ctx, directionOutbound, signed, err)
		}
		registered = true
	}
	if err := s.MarkSent(f, r.clock()); err != nil {
		if registered {
			r.tracker.Cancel(signed.MessageID)
		}
		return Envelope{}, r.reject(ctx, directionOutbound, signed, err)
	}
	if c, ok := signed.Body.(*Control); ok && c.Type == ControlClose {
		if s.Close() {
			r.log.Debug("session closed", "session", key, "by", "local")
		}
		r.expireRoute(key)
	}
	r.record(directionOutbound, signed, nil)
	return signed, nil
}

// Receive runs every inbound check on env, received on the session under
// key.
func (r *Router) Receive(key string, env Envelope) (Delivery, error) {
	ctx := context.Background()
	now := r.clock()

	if err := env.Validate(); err != nil {
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	s, err := r.lookup(key)
	if err != nil {
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	if err := s.BeforeReceive(env); err != nil {
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	if err := r.auth.Verify(env); err != nil {
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	// Only RawBody is covered by the signature; the body handed on is
	// always the one decoded from it.
	body, err := DecodeBody(env.RawBody)
	if err != nil {
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	env.Body = body
	if err := r.replay.Admit(env.Sender, env.Auth.Nonce, env.Auth.IssuedAt, now); err != nil {
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	if err := s.AfterVerified(env, now); err != nil {
		r.expireRoute(key)
		return Delivery{}, r.reject(ctx, directionInbound, env, err)
	}
	if s.State() == StateClosed {
		r.expireRoute(key)
	}

	d := Delivery{Envelope: env}
	if Correlated(env.Family()) {
		p, err := r.tracker.Resolve(env, now)
		if err != nil {
			if p.CorrelationID != "" {
				d.Pending = &p
				r.metrics.invocationsExpired(ctx, 1)
			}
			return d, r.reject(ctx, directionInbound, env, err)
		}
		d.Pending = &p
		r.metrics.invocationResolved(ctx)
	}
	r.metrics.envelopeAccepted(ctx, env.Family())
	r.record(directionInbound, env, nil)
	return d, nil
}

// Cancel stops waiting for the answer to correlationID.
func (r *Router) Cancel(correlationID string) bool {
	return r.tracker.Cancel(correlationID)
}

// Sweep expires overdue invocations, times out stalled handshakes, forgets
// stale nonces, and drops closed sessions.
func (r *Router) Sweep(now time.Time) SweepReport {
	var rep SweepReport
	rep.Expired = r.tracker.Sweep(now)
	rep.Nonces = r.replay.Sweep(now)

	r.mu.Lock()
	for key, s := range r.sessions {
		if err := s.CheckTimeout(now); err != nil {
			rep.TimedOutSessions = append(rep.TimedOutSessions, key)
			r.log.Warn("handshake timed out", "session", key, "reason", Reason(err))
		}
		if s.State() == StateClosed {
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	sort.Strings(rep.TimedOutSessions)
	for _, key := range rep.TimedOutSessions {
		rep.Expired = append(rep.Expired, r.tracker.ExpireRoute(key)...)
	}
	r.metrics.invocationsExpired(context.Background(), len(rep.Expired))
	if len(rep.Expired) > 0 {
		r.log.Debug("invocations expired", "count", len(rep.Expired))
	}
	if r.onSweep != nil && (len(rep.Expired) > 0 || len(rep.TimedOutSessions) > 0) {
		r.onSweep(rep)
	}
	return rep
}

// Run sweeps every interval until ctx is done. A non-positive interval
// uses the configured sweep interval.
func (r *Router) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.cfg.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(r.clock())
		}
	}
}

func (r *Router) reject(ctx context.Context, direction string, env Envelope, err error) error {
	r.metrics.envelopeRejected(ctx, direction, err)
	r.log.Warn("envelope rejected",
		"direction", direction,
		"message_id", env.MessageID,
		"sender", env.Sender.String(),
		"family", env.Family().String(),
		"reason", Reason(err),
		"error", err,
	)
	r.record(direction, env, err)
	return err
}

func (r *Router) record(direction string, env Envelope, err error) {
	if r.audit != nil {
		r.audit.LogEnvelope(direction, env, err)
	}
}
