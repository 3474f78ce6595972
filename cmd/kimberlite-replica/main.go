package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/ledger"
	"kimberlite.dev/core/shell"
	"kimberlite.dev/core/vsr"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kimberlite-replica", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "path to replica config YAML (required)")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	tickInterval := fs.Duration("tick", 25*time.Millisecond, "event loop tick period")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *configPath == "" {
		_, _ = fmt.Fprintln(stderr, "-config is required")
		return 2
	}

	cfg, err := shell.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config load failed: %v\n", err)
		return 2
	}

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 2
	}

	logger, err := shell.NewLogger(cfg.LogLevel, cfg.Network)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger init failed: %v\n", err)
		return 2
	}
	defer logger.Sync()

	provider := crypto.NewDefaultProvider()
	durability, err := ledger.ParseDurability(cfg.DurabilityMode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	log, err := ledger.OpenLog(cfg.DataDir, provider, durability)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "log open failed: %v\n", err)
		return 2
	}
	defer log.Close()

	checkpointKey, err := loadOrCreateCheckpointKey(filepath.Join(cfg.DataDir, "checkpoint.key"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "checkpoint key failed: %v\n", err)
		return 2
	}

	peers := make(map[uint64]*vsr.Peer)
	node, err := shell.NewNode(cfg, logger, log, peers, checkpointKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 2
	}
	defer listener.Close()
	go acceptLoop(ctx, listener, node, logger)

	dialPeers(ctx, cfg, node, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, node, logger)
	}

	_, _ = fmt.Fprintf(stdout, "kimberlite-replica %d listening on %s\n", cfg.ReplicaID, cfg.BindAddr)
	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintln(stdout, "kimberlite-replica stopped")
			return 0
		case now := <-ticker.C:
			node.Tick(now)
		}
	}
}

func acceptLoop(ctx context.Context, listener net.Listener, node *shell.Node, logger *zap.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go servePeer(ctx, conn, node, logger)
	}
}

func servePeer(ctx context.Context, conn net.Conn, node *shell.Node, logger *zap.Logger) {
	peer, err := vsr.NewPeer(conn, 0, vsr.PeerConfig{Version: node.Replica.Version, IdleTimeout: 5 * time.Second})
	if err != nil {
		logger.Warn("peer handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := peer.Run(ctx, node); err != nil {
		logger.Debug("peer connection ended", zap.Error(err))
	}
}

func dialPeers(ctx context.Context, cfg shell.Config, node *shell.Node, logger *zap.Logger) {
	for _, r := range cfg.Replicas {
		if r.ID == cfg.ReplicaID {
			continue
		}
		r := r
		go func() {
			conn, err := net.DialTimeout("tcp", r.Addr, 2*time.Second)
			if err != nil {
				logger.Debug("dial peer failed", zap.Uint64("peer_id", r.ID), zap.Error(err))
				return
			}
			peer, err := vsr.NewPeer(conn, r.ID, vsr.PeerConfig{Version: node.Replica.Version, IdleTimeout: 5 * time.Second})
			if err != nil {
				_ = conn.Close()
				return
			}
			node.Peers[r.ID] = peer
			if err := peer.Run(ctx, node); err != nil {
				logger.Debug("peer connection ended", zap.Uint64("peer_id", r.ID), zap.Error(err))
			}
		}()
	}
}

func serveMetrics(addr string, node *shell.Node, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func loadOrCreateCheckpointKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(data), nil
	}
	_, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, sk, 0o600); err != nil {
		return nil, err
	}
	return sk, nil
}

func printConfig(w io.Writer, cfg shell.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
