// Package p2p provides a libp2p-backed transport for PAP.
//
// Each node wraps a libp2p host and registers a stream handler for the
// "/pap/1.0.0" protocol ID. One stream carries one session; every envelope
// on it is framed with core.Frame:
//
//	[4-byte big-endian length] [1-byte Family] [N-byte envelope]
//
// All protocol checks happen in core.Router. This package moves bytes,
// completes the handshake and pairs Invokes with their answers.
package p2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"golang.org/x/time/rate"

	"github.com/olserra/pap/core"
)

// PAPProtocol is the libp2p protocol identifier for PAP v1.
const PAPProtocol protocol.ID = "/pap/" + core.ProtocolVersion

// InvokeHandler serves an inbound Invoke. It returns a *core.Response or
// *core.Error body to answer with; a nil body sends nothing. A non-nil
// error is answered with an INTERNAL_ERROR body.
type InvokeHandler func(ctx context.Context, from core.AgentIdentity, inv *core.Invoke) (core.MessageBody, error)

// EventHandler receives inbound Event bodies.
type EventHandler func(from core.AgentIdentity, ev *core.Event)

// Option configures an AgentHost.
type Option func(*AgentHost)

// WithListenAddrs replaces the default loopback TCP listener.
func WithListenAddrs(addrs ...string) Option {
	return func(ah *AgentHost) { ah.listen = addrs }
}

// WithRateLimit bounds inbound envelopes per stream.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(ah *AgentHost) { ah.limit, ah.burst = limit, burst }
}

// WithCapabilities sets the capabilities advertised in HandshakeAck.
func WithCapabilities(caps ...string) Option {
	return func(ah *AgentHost) { ah.caps = append([]string(nil), caps...) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ah *AgentHost) { ah.log = l }
}

type callResult struct {
	env core.Envelope
	err error
}

// call is an Invoke waiting for its answer on the session under key.
type call struct {
	key string
	ch  chan callResult
}

// conn is one stream and the session running over it.
type conn struct {
	key  string
	role core.Role
	s    network.Stream

	wmu       sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	err       error
}

func (c *conn) markReady() { c.readyOnce.Do(func() { close(c.ready) }) }

// AgentHost wraps a libp2p host with PAP session handling.
type AgentHost struct {
	h      host.Host
	router *core.Router
	log    *slog.Logger

	listen []string
	caps   []string
	limit  rate.Limit
	burst  int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	conns    map[string]*conn
	calls    map[string]call
	onInvoke InvokeHandler
	onEvent  EventHandler
}

// NewHost creates a PAP node speaking for router's local identity. It
// sweeps the router every Config.SweepInterval for the lifetime of the
// host and tears down sessions whose handshake timed out.
func NewHost(ctx context.Context, router *core.Router, opts ...Option) (*AgentHost, error) {
	ah := &AgentHost{
		router: router,
		log:    slog.Default().With("component", "pap.p2p"),
		listen: []string{"/ip4/127.0.0.1/tcp/0"},
		limit:  rate.Limit(200),
		burst:  50,
		conns:  make(map[string]*conn),
		calls:  make(map[string]call),
	}
	for _, o := range opts {
		o(ah)
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(ah.listen...))
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}
	ah.h = h
	ah.ctx, ah.cancel = context.WithCancel(ctx)
	h.SetStreamHandler(PAPProtocol, ah.handleStream)

	go ah.sweepLoop(router.Config().SweepInterval)
	return ah, nil
}

func (ah *AgentHost) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ah.ctx.Done():
			return
		case <-ticker.C:
			rep := ah.router.Sweep(ah.router.Now())
			for _, key := range rep.TimedOutSessions {
				if c, ok := ah.conn(key); ok {
					ah.teardown(c, fmt.Errorf("%w: %s", core.ErrHandshakeTimeout, key))
				}
			}
		}
	}
}

// Close tears down every session and shuts down the libp2p host.
func (ah *AgentHost) Close() error {
	for _, key := range ah.Sessions() {
		if c, ok := ah.conn(key); ok {
			ah.teardown(c, nil)
		}
	}
	ah.cancel()
	return ah.h.Close()
}

// PeerID returns the underlying libp2p peer.ID.
func (ah *AgentHost) PeerID() peer.ID { return ah.h.ID() }

// AddrInfo returns the peer.AddrInfo that peers can use to connect to us.
func (ah *AgentHost) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: ah.h.ID(), Addrs: ah.h.Addrs()}
}

// Identity returns the agent identity this host signs as.
func (ah *AgentHost) Identity() core.AgentIdentity { return ah.router.Local() }

// Router returns the router enforcing the protocol for this host.
func (ah *AgentHost) Router() *core.Router { return ah.router }

// OnInvoke registers the handler for inbound Invokes.
func (ah *AgentHost) OnInvoke(fn InvokeHandler) {
	ah.mu.Lock()
	defer ah.mu.Unlock()
	ah.onInvoke = fn
}

// OnEvent registers the handler for inbound Events.
func (ah *AgentHost) OnEvent(fn EventHandler) {
	ah.mu.Lock()
	defer ah.mu.Unlock()
	ah.onEvent = fn
}

// Sessions returns the keys of all open sessions.
func (ah *AgentHost) Sessions() []string {
	ah.mu.RLock()
	defer ah.mu.RUnlock()
	keys := make([]string, 0, len(ah.conns))
	for k := range ah.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Peer returns the authenticated identity on the other end of key.
func (ah *AgentHost) Peer(key string) (core.AgentIdentity, bool) {
	s, ok := ah.router.Session(key)
	if !ok {
		return core.AgentIdentity{}, false
	}
	return s.Peer()
}

func (ah *AgentHost) conn(key string) (*conn, bool) {
	ah.mu.RLock()
	defer ah.mu.RUnlock()
	c, ok := ah.conns[key]
	return c, ok
}

func sessionKey(s network.Stream) string {
	return s.Conn().RemotePeer().String() + "/" + s.ID()
}

// ------------------------------------------------------------------ outgoing

// Dial opens a session to info and completes the handshake as initiator.
// It returns the session key.
func (ah *AgentHost) Dial(ctx context.Context, info peer.AddrInfo) (string, error) {
	if err := ah.h.Connect(ctx, info); err != nil {
		return "", fmt.Errorf("p2p dial: connect: %w", err)
	}
	s, err := ah.h.NewStream(ctx, info.ID, PAPProtocol)
	if err != nil {
		return "", fmt.Errorf("p2p dial: open stream: %w", err)
	}
	c, err := ah.register(s, core.Initiator)
	if err != nil {
		_ = s.Reset()
		return "", fmt.Errorf("p2p dial: %w", err)
	}
	go ah.readLoop(c)

	if _, err := ah.send(c, core.NewEnvelope(ah.Identity(), ah.ack())); err != nil {
		ah.teardown(c, nil)
		return "", fmt.Errorf("p2p dial: send handshake: %w", err)
	}

	timeout := time.NewTimer(ah.router.Config().HandshakeTimeout)
	defer timeout.Stop()
	select {
	case <-c.ready:
		return c.key, nil
	case <-c.done:
		return "", fmt.Errorf("p2p dial: %w", c.err)
	case <-timeout.C:
		ah.teardown(c, fmt.Errorf("%w: %s", core.ErrHandshakeTimeout, c.key))
		return "", fmt.Errorf("p2p dial: %w", core.ErrHandshakeTimeout)
	case <-ctx.Done():
		ah.teardown(c, nil)
		return "", ctx.Err()
	}
}

// Invoke sends inv on the session under key and waits for the correlated
// Response or Error envelope. It fails with core.ErrTimeout once the
// invocation deadline passes.
func (ah *AgentHost) Invoke(ctx context.Context, key string, inv *core.Invoke, opts ...core.EnvelopeOption) (core.Envelope, error) {
	c, ok := ah.conn(key)
	if !ok {
		return core.Envelope{}, fmt.Errorf("p2p invoke: %w: no session %s", core.ErrSessionNotEstablished, key)
	}
	inv.ExpectReply = true
	if inv.Deadline.IsZero() {
		inv.Deadline = ah.router.Now().Add(ah.router.Config().InvokeTimeout)
	}
	deadline := inv.Deadline
	draft := core.NewEnvelope(ah.Identity(), inv, opts...)

	ch := make(chan callResult, 1)
	ah.mu.Lock()
	ah.calls[draft.MessageID] = call{key: key, ch: ch}
	ah.mu.Unlock()
	defer func() {
		ah.mu.Lock()
		delete(ah.calls, draft.MessageID)
		ah.mu.Unlock()
	}()

	if _, err := ah.send(c, draft); err != nil {
		return core.Envelope{}, fmt.Errorf("p2p invoke: %w", err)
	}

	timer := time.NewTimer(deadline.Sub(ah.router.Now()))
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.env, res.err
	case <-timer.C:
		ah.router.Cancel(draft.MessageID)
		return core.Envelope{}, fmt.Errorf("p2p invoke %s: %w", draft.MessageID, core.ErrTimeout)
	case <-ctx.Done():
		ah.router.Cancel(draft.MessageID)
		return core.Envelope{}, ctx.Err()
	}
}

// Notify sends a body that expects no answer, typically an Event or a
// Control directive.
func (ah *AgentHost) Notify(key string, body core.MessageBody, opts ...core.EnvelopeOption) error {
	c, ok := ah.conn(key)
	if !ok {
		return fmt.Errorf("p2p notify: %w: no session %s", core.ErrSessionNotEstablished, key)
	}
	if _, err := ah.send(c, core.NewEnvelope(ah.Identity(), body, opts...)); err != nil {
		return fmt.Errorf("p2p notify: %w", err)
	}
	return nil
}

// CloseSession tells the peer the session is over and tears it down.
// Invocations still waiting on it fail with core.ErrSessionClosed.
func (ah *AgentHost) CloseSession(key string) error {
	c, ok := ah.conn(key)
	if !ok {
		return fmt.Errorf("p2p close: no session %s", key)
	}
	_, err := ah.send(c, core.NewEnvelope(ah.Identity(), &core.Control{Type: core.ControlClose}))
	ah.teardown(c, nil)
	return err
}

func (ah *AgentHost) ack() *core.HandshakeAck {
	return &core.HandshakeAck{Accepted: true, Version: core.ProtocolVersion, Capabilities: ah.caps}
}

// send signs draft through the router and writes it to the stream.
func (ah *AgentHost) send(c *conn, draft core.Envelope) (core.Envelope, error) {
	signed, err := ah.router.Send(c.key, draft)
	if err != nil {
		return core.Envelope{}, err
	}
	frame, err := core.MarshalFrame(signed)
	if err != nil {
		return core.Envelope{}, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.s.Write(frame); err != nil {
		return core.Envelope{}, fmt.Errorf("write %s: %w", c.key, err)
	}
	return signed, nil
}

// ------------------------------------------------------------------ incoming

func (ah *AgentHost) handleStream(s network.Stream) {
	c, err := ah.register(s, core.Responder)
	if err != nil {
		ah.log.Warn("refusing stream", "error", err)
		_ = s.Reset()
		return
	}
	ah.readLoop(c)
}

func (ah *AgentHost) register(s network.Stream, role core.Role) (*conn, error) {
	key := sessionKey(s)
	if _, err := ah.router.OpenSession(key, role); err != nil {
		return nil, err
	}
	c := &conn{
		key:   key,
		role:  role,
		s:     s,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	ah.mu.Lock()
	ah.conns[key] = c
	ah.mu.Unlock()
	ah.log.Debug("session opened", "session", key, "role", role.String())
	return c, nil
}

func (ah *AgentHost) readLoop(c *conn) {
	defer ah.teardown(c, nil)
	limiter := rate.NewLimiter(ah.limit, ah.burst)
	for {
		if err := limiter.Wait(ah.ctx); err != nil {
			return
		}
		f, payload, err := readFrame(c.s)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ah.log.Debug("stream read failed", "session", c.key, "error", err)
			}
			return
		}
		env, err := core.DecodeEnvelope(payload)
		if err != nil {
			ah.log.Warn("dropping undecodable envelope", "session", c.key, "reason", core.Reason(err), "error", err)
			continue
		}
		if env.Family() != f {
			ah.log.Warn("dropping envelope with mismatched frame family", "session", c.key,
				"frame", f.String(), "body", env.Family().String())
			continue
		}

		d, err := ah.router.Receive(c.key, env)
		if err != nil {
			if s, ok := ah.router.Session(c.key); !ok || s.State() == core.StateClosed {
				return
			}
			continue
		}
		if !ah.dispatch(c, d) {
			return
		}
	}
}

// dispatch hands an accepted envelope to its consumer. It reports whether
// the session is still open.
func (ah *AgentHost) dispatch(c *conn, d core.Delivery) bool {
	env := d.Envelope
	switch body := env.Body.(type) {
	case *core.HandshakeAck:
		if c.role == core.Responder {
			if _, err := ah.send(c, core.NewEnvelope(ah.Identity(), ah.ack(), core.WithParent(env.MessageID))); err != nil {
				ah.log.Warn("handshake reply failed", "session", c.key, "error", err)
				return false
			}
		}
		c.markReady()
		ah.log.Info("session established", "session", c.key, "peer", env.Sender.String())
	case *core.Invoke:
		go ah.serveInvoke(c, env, body)
	case *core.Response, *core.Error:
		ah.complete(d.Pending.CorrelationID, callResult{env: env})
	case *core.Event:
		ah.mu.RLock()
		fn := ah.onEvent
		ah.mu.RUnlock()
		if fn != nil {
			fn(env.Sender, body)
		}
	case *core.Control:
		if body.Type == core.ControlClose {
			return false
		}
	}
	return true
}

func (ah *AgentHost) serveInvoke(c *conn, env core.Envelope, inv *core.Invoke) {
	ah.mu.RLock()
	fn := ah.onInvoke
	ah.mu.RUnlock()

	var (
		body core.MessageBody
		err  error
	)
	if fn == nil {
		body = &core.Error{Code: core.StatusNotFound, Message: "no invoke handler"}
	} else {
		ctx := ah.ctx
		if !inv.Deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, inv.Deadline)
			defer cancel()
		}
		body, err = fn(ctx, env.Sender, inv)
		if err != nil {
			body = &core.Error{Code: core.StatusInternalError, Message: err.Error()}
		}
	}
	if body == nil || !inv.ExpectReply {
		return
	}
	if _, err := ah.send(c, env.Reply(ah.Identity(), body)); err != nil {
		ah.log.Warn("invoke reply failed", "session", c.key, "correlation_id", env.MessageID, "error", err)
	}
}

func (ah *AgentHost) complete(correlationID string, res callResult) {
	ah.mu.RLock()
	cl, ok := ah.calls[correlationID]
	ah.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case cl.ch <- res:
	default:
	}
}

func (ah *AgentHost) sessionErr(key string) error {
	if s, ok := ah.router.Session(key); ok && s.Err() != nil {
		return s.Err()
	}
	return core.ErrSessionClosed
}

// teardown closes the session once, failing every caller still waiting on
// it with cause. A nil cause is taken from the session itself.
func (ah *AgentHost) teardown(c *conn, cause error) {
	c.doneOnce.Do(func() {
		if cause == nil {
			cause = ah.sessionErr(c.key)
		}
		c.err = cause
		ah.router.CloseSession(c.key)

		ah.mu.Lock()
		delete(ah.conns, c.key)
		var waiting []string
		for id, cl := range ah.calls {
			if cl.key == c.key {
				waiting = append(waiting, id)
			}
		}
		ah.mu.Unlock()
		for _, id := range waiting {
			ah.complete(id, callResult{err: fmt.Errorf("p2p invoke %s: %w", id, cause)})
		}

		_ = c.s.Close()
		close(c.done)
		ah.log.Debug("session closed", "session", c.key, "reason", core.Reason(cause))
	})
}

// ------------------------------------------------------------------ wire I/O

// readFrame reads one framed envelope from r.
func readFrame(r io.Reader) (core.Family, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 1 || n > core.MaxFrameSize {
		return 0, nil, fmt.Errorf("readFrame: invalid length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("readFrame body: %w", err)
	}
	return core.Family(body[0]), body[1:], nil
}
