// pap-node runs a single PAP agent on libp2p.
//
// Nodes of one cluster share a secret; each derives its own HMAC signing
// key from it, so no per-peer enrolment is needed. A node listens by
// default and, with --dial, opens a session to a peer and streams
// heartbeat Events to it. With --http-backend, inbound Invokes are
// forwarded to an HTTP service.
//
// Usage:
//
//	PAP_CLUSTER_SECRET=<hex> pap-node --agent station --listen /ip4/0.0.0.0/tcp/4001
//	PAP_CLUSTER_SECRET=<hex> pap-node --agent sat-1 --dial /ip4/10.0.0.5/tcp/4001/p2p/12D3Koo...
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/pflag"

	"github.com/olserra/pap/core"
	"github.com/olserra/pap/httpbridge"
	"github.com/olserra/pap/p2p"
)

type options struct {
	configPath   string
	agent        string
	cluster      string
	version      string
	instance     string
	secretHex    string
	algorithm    string
	listen       []string
	dial         string
	capabilities []string
	httpBackend  string
	apiKey       string
	heartbeat    time.Duration
	logLevel     string
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var o options
	flagSet := pflag.NewFlagSet("pap-node", pflag.ContinueOnError)
	flagSet.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&o.agent, "agent", "", "agent name (required)")
	flagSet.StringVar(&o.cluster, "cluster", "default", "cluster the agent belongs to")
	flagSet.StringVar(&o.version, "agent-version", "", "optional agent version")
	flagSet.StringVar(&o.instance, "instance", "", "optional instance id")
	flagSet.StringVar(&o.secretHex, "secret", "", "hex cluster secret (default: $PAP_CLUSTER_SECRET)")
	flagSet.StringVar(&o.algorithm, "algorithm", core.AlgHMACBLAKE3, "signing scheme: hmac-sha256 or hmac-blake3")
	flagSet.StringSliceVar(&o.listen, "listen", []string{"/ip4/127.0.0.1/tcp/0"}, "libp2p listen multiaddrs")
	flagSet.StringVar(&o.dial, "dial", "", "multiaddr of a peer to open a session to (must include /p2p/<id>)")
	flagSet.StringSliceVar(&o.capabilities, "capabilities", nil, "capabilities advertised in the handshake")
	flagSet.StringVar(&o.httpBackend, "http-backend", "", "forward inbound Invokes to this HTTP base URL")
	flagSet.StringVar(&o.apiKey, "api-key", "", "bearer token for --http-backend")
	flagSet.DurationVar(&o.heartbeat, "heartbeat", 10*time.Second, "heartbeat interval on dialled sessions (0 disables)")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if o.agent == "" {
		return fmt.Errorf("--agent is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := core.LoadConfig(o.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, cleanup, err := buildNode(ctx, cfg, o, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, a := range host.AddrInfo().Addrs {
		logger.Info("listening", "addr", fmt.Sprintf("%s/p2p/%s", a, host.PeerID()))
	}

	if o.dial != "" {
		info, err := peer.AddrInfoFromString(o.dial)
		if err != nil {
			return fmt.Errorf("--dial: %w", err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout+5*time.Second)
		res, err := p2p.DialAndHandshake(dialCtx, host, *info)
		cancel()
		if err != nil {
			return err
		}
		logger.Info("session established", "session", res.Key, "peer", res.Peer.String())
		if o.heartbeat > 0 {
			go heartbeats(ctx, host, res.Key, o.heartbeat, logger)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildNode(ctx context.Context, cfg core.Config, o options, logger *slog.Logger) (*p2p.AgentHost, func(), error) {
	secret, err := clusterSecret(o.secretHex)
	if err != nil {
		return nil, nil, err
	}
	id := core.NewIdentity(o.agent, o.cluster)
	if o.version != "" {
		id = id.WithVersion(o.version)
	}
	if o.instance != "" {
		id = id.WithInstance(o.instance)
	}

	creds := core.NewDerivedCredentials(secret, o.cluster)
	key, err := creds.SigningKey(id, o.algorithm)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := core.NewMetrics(nil)
	if err != nil {
		return nil, nil, err
	}

	ropts := []core.RouterOption{
		core.WithLogger(logger.With("component", "pap.router")),
		core.WithMetrics(metrics),
		core.WithSweepHook(func(r core.SweepReport) {
			logger.Debug("sweep", "expired", len(r.Expired), "timed_out", len(r.TimedOutSessions), "nonces", r.Nonces)
		}),
	}
	var audit *core.Logger
	if cfg.AuditLog != "" {
		if audit, err = core.NewLogger(cfg.AuditLog); err != nil {
			return nil, nil, err
		}
		ropts = append(ropts, core.WithAudit(audit))
	}

	router, err := core.NewRouter(cfg, id, key, creds, ropts...)
	if err != nil {
		closeAudit(audit)
		return nil, nil, err
	}
	host, err := p2p.NewHost(ctx, router,
		p2p.WithListenAddrs(o.listen...),
		p2p.WithCapabilities(o.capabilities...),
		p2p.WithLogger(logger.With("component", "pap.p2p")),
	)
	if err != nil {
		closeAudit(audit)
		return nil, nil, err
	}

	if o.httpBackend != "" {
		bridge := httpbridge.NewClient(o.httpBackend,
			httpbridge.WithAPIKey(o.apiKey),
			httpbridge.WithTimeout(cfg.InvokeTimeout),
			httpbridge.WithLogger(logger.With("component", "pap.httpbridge")),
		)
		host.OnInvoke(bridge.Handler())
	}
	host.OnEvent(func(from core.AgentIdentity, ev *core.Event) {
		logger.Info("event", "from", from.String(), "type", string(ev.Type))
	})

	cleanup := func() {
		_ = host.Close()
		closeAudit(audit)
	}
	return host, cleanup, nil
}

func closeAudit(l *core.Logger) {
	if l != nil {
		_ = l.Close()
	}
}

func clusterSecret(flagValue string) ([]byte, error) {
	raw := flagValue
	if raw == "" {
		raw = os.Getenv("PAP_CLUSTER_SECRET")
	}
	if raw == "" {
		return nil, fmt.Errorf("cluster secret: set --secret or PAP_CLUSTER_SECRET")
	}
	secret, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("cluster secret: %w", err)
	}
	return secret, nil
}

func heartbeats(ctx context.Context, host *p2p.AgentHost, key string, every time.Duration, logger *slog.Logger) {
	started := time.Now()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			ev := &core.Event{Type: core.EventHeartbeat, Heartbeat: &core.Heartbeat{
				MemoryMB:      float64(mem.Alloc) / (1 << 20),
				UptimeSeconds: time.Since(started).Seconds(),
				ActiveJobs:    host.Router().Pending(),
			}}
			if err := host.Notify(key, ev); err != nil {
				logger.Warn("heartbeat failed", "session", key, "error", err)
				return
			}
		}
	}
}
