package p2p_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"

	"github.com/olserra/pap/core"
	"github.com/olserra/pap/p2p"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// makeHost builds a node for id whose public key is enrolled in reg.
func makeHost(t *testing.T, id core.AgentIdentity, reg *core.CredentialRegistry, opts ...p2p.Option) *p2p.AgentHost {
	t.Helper()
	return makeHostWithConfig(t, core.DefaultConfig(), id, reg, opts...)
}

func makeHostWithConfig(t *testing.T, cfg core.Config, id core.AgentIdentity, reg *core.CredentialRegistry, opts ...p2p.Option) *p2p.AgentHost {
	t.Helper()
	kp, err := core.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("NewEd25519KeyPair: %v", err)
	}
	reg.Enroll(id, kp.Credential(), 0)

	router, err := core.NewRouter(cfg, id, kp.Signing, reg, core.WithLogger(quiet))
	if err != nil {
		t.Fatalf("NewRouter(%s): %v", id, err)
	}
	h, err := p2p.NewHost(context.Background(), router, append([]p2p.Option{p2p.WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

type pair struct {
	alpha, beta *p2p.AgentHost
	key         string // alpha's session key
}

func connected(t *testing.T) pair {
	t.Helper()
	reg := core.NewCredentialRegistry()
	alpha := makeHost(t, core.NewIdentity("alpha", "lab"), reg)
	beta := makeHost(t, core.NewIdentity("beta", "lab").WithVersion("2.1.0"), reg, p2p.WithCapabilities("echo"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := alpha.Dial(ctx, beta.AddrInfo())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return pair{alpha: alpha, beta: beta, key: key}
}

func echo(_ context.Context, _ core.AgentIdentity, inv *core.Invoke) (core.MessageBody, error) {
	return &core.Response{
		Status:  core.StatusOK,
		IsFinal: true,
		Outputs: []core.OutputChunk{{ContentType: "text/plain", Data: []byte(inv.Method)}},
	}, nil
}

// TestHandshake verifies that both ends authenticate each other.
func TestHandshake(t *testing.T) {
	p := connected(t)

	peer, ok := p.alpha.Peer(p.key)
	if !ok {
		t.Fatal("alpha should know its peer after Dial")
	}
	if !peer.Equal(p.beta.Identity()) {
		t.Errorf("peer: got %s want %s", peer, p.beta.Identity())
	}

	keys := p.beta.Sessions()
	if len(keys) != 1 {
		t.Fatalf("beta sessions: got %d want 1", len(keys))
	}
	back, ok := p.beta.Peer(keys[0])
	if !ok || !back.Equal(p.alpha.Identity()) {
		t.Errorf("beta peer: got %s (%v) want %s", back, ok, p.alpha.Identity())
	}
}

// TestDialUnknownAgent verifies that a peer with no enrolled credential
// never reaches the established state.
func TestDialUnknownAgent(t *testing.T) {
	reg := core.NewCredentialRegistry()
	beta := makeHost(t, core.NewIdentity("beta", "lab"), reg)

	kp, err := core.NewEd25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := core.DefaultConfig()
	cfg.HandshakeTimeout = 300 * time.Millisecond
	router, err := core.NewRouter(cfg, core.NewIdentity("stranger", "lab"), kp.Signing,
		core.NewCredentialRegistry(), core.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := p2p.NewHost(context.Background(), router, p2p.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stranger.Dial(ctx, beta.AddrInfo()); !errors.Is(err, core.ErrHandshakeTimeout) {
		t.Errorf("Dial: got %v want handshake timeout", err)
	}
}

func TestInvokeResponse(t *testing.T) {
	p := connected(t)
	p.beta.OnInvoke(echo)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := p.alpha.Invoke(ctx, p.key, &core.Invoke{
		Target: core.Target{Agent: "beta", Capability: "echo"},
		Method: "ping",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	resp, ok := reply.Body.(*core.Response)
	if !ok {
		t.Fatalf("reply body: got %T want *core.Response", reply.Body)
	}
	if resp.Status != core.StatusOK || string(resp.Outputs[0].Data) != "ping" {
		t.Errorf("unexpected response %+v", resp)
	}
	if !reply.Sender.Equal(p.beta.Identity()) {
		t.Errorf("reply sender: got %s", reply.Sender)
	}
	if n := p.alpha.Router().Pending(); n != 0 {
		t.Errorf("pending after resolve: got %d want 0", n)
	}
}

func TestInvokeErrorBody(t *testing.T) {
	p := connected(t)
	p.beta.OnInvoke(func(context.Context, core.AgentIdentity, *core.Invoke) (core.MessageBody, error) {
		return nil, errors.New("backend offline")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := p.alpha.Invoke(ctx, p.key, &core.Invoke{Method: "restart"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	e, ok := reply.Body.(*core.Error)
	if !ok {
		t.Fatalf("reply body: got %T want *core.Error", reply.Body)
	}
	if e.Code != core.StatusInternalError || e.Message != "backend offline" {
		t.Errorf("unexpected error body %+v", e)
	}
}

func TestInvokeWithoutHandler(t *testing.T) {
	p := connected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := p.alpha.Invoke(ctx, p.key, &core.Invoke{Method: "status"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if e, ok := reply.Body.(*core.Error); !ok || e.Code != core.StatusNotFound {
		t.Errorf("got %#v want NOT_FOUND", reply.Body)
	}
}

func TestInvokeTimeout(t *testing.T) {
	p := connected(t)
	p.beta.OnInvoke(func(context.Context, core.AgentIdentity, *core.Invoke) (core.MessageBody, error) {
		return nil, nil
	})

	_, err := p.alpha.Invoke(context.Background(), p.key, &core.Invoke{
		Method:   "slow",
		Deadline: time.Now().Add(200 * time.Millisecond),
	})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("Invoke: got %v want timeout", err)
	}
	if n := p.alpha.Router().Pending(); n != 0 {
		t.Errorf("pending after timeout: got %d want 0", n)
	}
}

// TestInvokeDeadlineUsesRouterClock checks that a default Invoke deadline
// is computed from the router clock rather than the wall clock.
func TestInvokeDeadlineUsesRouterClock(t *testing.T) {
	reg := core.NewCredentialRegistry()
	beta := makeHost(t, core.NewIdentity("beta", "lab"), reg)

	kp, err := core.NewEd25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	id := core.NewIdentity("alpha", "lab")
	reg.Enroll(id, kp.Credential(), 0)
	behind := func() time.Time { return time.Now().Add(-time.Hour) }
	// beta signs with the wall clock, an hour ahead of alpha's router.
	cfg := core.DefaultConfig()
	cfg.ClockSkew = 2 * time.Hour
	cfg.ReplayWindow = 3 * time.Hour
	router, err := core.NewRouter(cfg, id, kp.Signing, reg,
		core.WithLogger(quiet),
		core.WithClock(behind),
		core.WithAuthOptions(core.WithAuthClock(time.Now)))
	if err != nil {
		t.Fatal(err)
	}
	alpha, err := p2p.NewHost(context.Background(), router, p2p.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	defer alpha.Close()

	got := make(chan time.Time, 1)
	beta.OnInvoke(func(_ context.Context, _ core.AgentIdentity, inv *core.Invoke) (core.MessageBody, error) {
		got <- inv.Deadline
		return &core.Response{Status: core.StatusOK, IsFinal: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := alpha.Dial(ctx, beta.AddrInfo())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := alpha.Invoke(ctx, key, &core.Invoke{Method: "when"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	deadline := <-got
	if deadline.After(time.Now()) {
		t.Errorf("deadline %s follows the wall clock, want router clock + invoke timeout", deadline)
	}
	if want := behind().Add(router.Config().InvokeTimeout); deadline.After(want) {
		t.Errorf("deadline %s later than %s", deadline, want)
	}
}

func TestInvokeUnknownSession(t *testing.T) {
	p := connected(t)
	_, err := p.alpha.Invoke(context.Background(), "nope", &core.Invoke{Method: "x"})
	if !errors.Is(err, core.ErrSessionNotEstablished) {
		t.Errorf("got %v want session not established", err)
	}
}

func TestNotifyEvent(t *testing.T) {
	p := connected(t)
	got := make(chan *core.Event, 1)
	p.beta.OnEvent(func(from core.AgentIdentity, ev *core.Event) {
		if from.Equal(p.alpha.Identity()) {
			got <- ev
		}
	})

	err := p.alpha.Notify(p.key, &core.Event{
		Type: core.EventLog,
		Log:  &core.LogEvent{Level: "info", Message: "disk at 71%"},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Log == nil || ev.Log.Message != "disk at 71%" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

// TestCloseSessionFailsCallers verifies that closing a session releases
// every Invoke still waiting on it.
func TestCloseSessionFailsCallers(t *testing.T) {
	p := connected(t)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	p.beta.OnInvoke(func(ctx context.Context, _ core.AgentIdentity, _ *core.Invoke) (core.MessageBody, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	errc := make(chan error, 1)
	go func() {
		_, err := p.alpha.Invoke(context.Background(), p.key, &core.Invoke{Method: "long"})
		errc <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("invoke never reached beta")
	}
	if err := p.alpha.CloseSession(p.key); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, core.ErrSessionClosed) {
			t.Errorf("Invoke: got %v want session closed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("caller was not released")
	}
	if len(p.alpha.Sessions()) != 0 {
		t.Errorf("alpha still lists sessions %v", p.alpha.Sessions())
	}
	if _, err := p.alpha.Invoke(context.Background(), p.key, &core.Invoke{Method: "late"}); !errors.Is(err, core.ErrSessionNotEstablished) {
		t.Errorf("Invoke after close: got %v want session not established", err)
	}
	waitFor(t, "beta to drop the closed session", func() bool { return len(p.beta.Sessions()) == 0 })
}

// TestSilentStreamTimesOut verifies that a stream which never completes
// the handshake is torn down once the handshake timeout passes.
func TestSilentStreamTimesOut(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.HandshakeTimeout = 300 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	beta := makeHostWithConfig(t, cfg, core.NewIdentity("beta", "lab"), core.NewCredentialRegistry())

	raw, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	defer raw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.Connect(ctx, beta.AddrInfo()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s, err := raw.NewStream(ctx, beta.PeerID(), p2p.PAPProtocol)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Reset()
	// Half a length header: the stream is open but no envelope ever arrives.
	if _, err := s.Write([]byte{0, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = s.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf [1]byte
	_, err = s.Read(buf[:])
	if err == nil {
		t.Fatal("beta kept the stream open")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("stream still open after the handshake timeout")
	}
	waitFor(t, "beta to forget the stalled session", func() bool { return len(beta.Sessions()) == 0 })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDialAndHandshake(t *testing.T) {
	reg := core.NewCredentialRegistry()
	alpha := makeHost(t, core.NewIdentity("alpha", "lab"), reg)
	beta := makeHost(t, core.NewIdentity("beta", "lab"), reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p2p.DialAndHandshake(ctx, alpha, beta.AddrInfo())
	if err != nil {
		t.Fatalf("DialAndHandshake: %v", err)
	}
	if !res.Peer.Equal(beta.Identity()) {
		t.Errorf("Peer: got %s want %s", res.Peer, beta.Identity())
	}
	if res.PeerID != beta.PeerID() {
		t.Errorf("PeerID: got %s want %s", res.PeerID, beta.PeerID())
	}
	if res.EstablishedAt.IsZero() {
		t.Error("EstablishedAt should be set")
	}
}

func TestRunWorkflow(t *testing.T) {
	p := connected(t)
	p.beta.OnInvoke(func(ctx context.Context, from core.AgentIdentity, inv *core.Invoke) (core.MessageBody, error) {
		if inv.Metadata["workflow_id"] != "wf-7" {
			return &core.Error{Code: core.StatusBadRequest, Message: "missing workflow id"}, nil
		}
		if inv.Method == "fail" {
			return &core.Error{Code: core.StatusConflict, Message: "already running"}, nil
		}
		return echo(ctx, from, inv)
	})

	o := p2p.NewOrchestrator(p.alpha, 5*time.Second)
	results, err := o.RunWorkflow(context.Background(), "wf-7", []p2p.WorkflowStep{
		{ID: "fetch", Session: p.key, Invoke: &core.Invoke{Method: "fetch"}},
		{ID: "apply", Session: p.key, Invoke: &core.Invoke{Method: "fail"}},
	})
	if !errors.Is(err, p2p.ErrStepFailed) {
		t.Fatalf("RunWorkflow: got %v want step failure", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d want 2", len(results))
	}
	if !results[0].OK() || results[0].Status != core.StatusOK {
		t.Errorf("fetch: %+v", results[0])
	}
	if results[1].OK() || results[1].Status != core.StatusConflict {
		t.Errorf("apply: %+v", results[1])
	}
	if !results[0].Responder.Equal(p.beta.Identity()) {
		t.Errorf("responder: got %s", results[0].Responder)
	}
}
