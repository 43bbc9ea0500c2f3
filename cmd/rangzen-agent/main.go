// Package main — cmd/rangzen-agent/main.go
//
// rangzen-agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/rangzen/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Start the Prometheus metrics server.
//  4. Open the message store and friend store (bbolt).
//  5. Load or generate the local node identity.
//  6. Start the LAN transport listener.
//  7. Start the exchange scheduler.
//  8. Start the control-plane server (Unix socket, optional TCP+mTLS).
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Close the LAN transport listener.
//  3. Close the message store and friend store.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/config"
	"github.com/rangzen-mesh/core/internal/control"
	"github.com/rangzen-mesh/core/internal/cryptogroup"
	"github.com/rangzen-mesh/core/internal/exchange"
	"github.com/rangzen-mesh/core/internal/observability"
	"github.com/rangzen-mesh/core/internal/peer"
	"github.com/rangzen-mesh/core/internal/ratelimit"
	"github.com/rangzen-mesh/core/internal/scheduler"
	"github.com/rangzen-mesh/core/internal/store"
	"github.com/rangzen-mesh/core/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/rangzen/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("rangzen-agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("rangzen-agent starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	messages, err := store.OpenMessageStore(cfg.Storage.MessageStorePath, clk, metrics)
	if err != nil {
		log.Fatal("message store open failed", zap.Error(err), zap.String("path", cfg.Storage.MessageStorePath))
	}
	defer messages.Close() //nolint:errcheck
	log.Info("message store opened", zap.String("path", cfg.Storage.MessageStorePath))

	friends, err := store.OpenFriendStore(cfg.Storage.FriendStorePath)
	if err != nil {
		log.Fatal("friend store open failed", zap.Error(err), zap.String("path", cfg.Storage.FriendStorePath))
	}
	defer friends.Close() //nolint:errcheck
	log.Info("friend store opened", zap.String("path", cfg.Storage.FriendStorePath))

	localPublicID, err := loadOrCreateIdentity(friends)
	if err != nil {
		log.Fatal("identity load/create failed", zap.Error(err))
	}
	log.Info("local identity ready", zap.String("public_id", localPublicID))

	registry := peer.NewRegistry()

	var sched *scheduler.Scheduler
	var lanTransport *transport.LANTransport

	onAccept := func(conn net.Conn) {
		defer conn.Close()
		if sched != nil {
			sched.NoteInboundSessionActive(true)
			defer sched.NoteInboundSessionActive(false)
		}

		sess := exchange.New(exchange.Config{
			UseTrust:                     cfg.Exchange.UseTrust,
			MinSharedContactsForExchange: cfg.Exchange.MinSharedContactsForExchange,
			TrustNoiseVariance:           cfg.Exchange.TrustNoiseVariance,
			MaxMessagesPerExchange:       cfg.Exchange.MaxMessagesPerExchange,
			IncludePseudonym:             cfg.Exchange.IncludePseudonym,
			ShareLocation:                cfg.Exchange.ShareLocation,
			SessionTimeout:               time.Duration(cfg.Exchange.SessionTimeoutMs) * time.Millisecond,
			SupportsNonce:                true,
		}, exchange.RoleResponder, clk, rand.Reader, cryptogroup.Default(), localPublicID, messages, friends, metrics)

		if _, sessErr := sess.Run(conn); sessErr != nil {
			log.Warn("inbound exchange session failed", zap.String("kind", sessErr.Kind.String()), zap.Error(sessErr))
		}
	}

	lanTransport = transport.NewLANTransport(cfg.Transport.LANListenAddr, onAccept, log)
	go func() {
		if err := lanTransport.ListenAndServe(ctx); err != nil {
			log.Error("lan transport error", zap.Error(err))
		}
	}()
	log.Info("lan transport listening", zap.String("addr", cfg.Transport.LANListenAddr))

	sched = scheduler.New(cfg.Scheduler, cfg.Exchange, clk, rand.Reader, cryptogroup.Default(),
		localPublicID, registry, messages, friends, metrics, lanTransport)
	go sched.Run(ctx)
	log.Info("scheduler started", zap.Int64("interval_ms", cfg.Scheduler.ExchangeIntervalMs))

	go reportGaugesPeriodically(ctx, messages, registry, metrics)

	if cfg.Control.Enabled {
		limiter := ratelimit.New(cfg.Control.RateLimitCapacity, time.Duration(cfg.Control.RateLimitRefillSeconds)*time.Second)
		defer limiter.Close()
		controlSvc := control.NewService(cfg.NodeID, sched, registry, messages, friends, limiter)
		go func() {
			if err := control.ListenAndServeUnix(ctx, cfg.Control.SocketPath, controlSvc, log); err != nil {
				log.Error("control socket error", zap.Error(err))
			}
		}()
		log.Info("control socket listening", zap.String("path", cfg.Control.SocketPath))

		if cfg.Control.TCPAddr != "" {
			go func() {
				if err := control.ListenAndServeTCP(ctx, cfg.Control.TCPAddr,
					cfg.Control.TLSCertFile, cfg.Control.TLSKeyFile, cfg.Control.TLSCAFile,
					controlSvc, log); err != nil {
					log.Error("control tcp error", zap.Error(err))
				}
			}()
			log.Info("control tcp listening", zap.String("addr", cfg.Control.TCPAddr))
		}
	} else {
		log.Info("control plane disabled")
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			next, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			merged := config.ApplyHotReload(*cfg, *next)
			log.Info("config hot-reload successful",
				zap.Int64("new_exchange_interval_ms", merged.Scheduler.ExchangeIntervalMs),
				zap.Bool("new_use_trust", merged.Exchange.UseTrust))
			cfg = &merged
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	_ = lanTransport.Close()

	log.Info("rangzen-agent shutdown complete")
}

// reportGaugesPeriodically keeps rangzen_store_size, rangzen_peer_registry_size
// and rangzen_peer_reachable live rather than frozen at zero, the way
// updateUptime keeps agent uptime live.
func reportGaugesPeriodically(ctx context.Context, messages *store.MessageStore, registry *peer.Registry, metrics *observability.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.SetStoreSize(messages.Count())
			metrics.SetPeerCounts(registry.Size(), len(registry.ReachablePeers()))
		case <-ctx.Done():
			return
		}
	}
}

// loadOrCreateIdentity returns the node's stable public identity string,
// generating and persisting a fresh DH keypair on first run.
func loadOrCreateIdentity(friends *store.FriendStore) (string, error) {
	id, found, err := friends.GetIdentity()
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	if found {
		return hex.EncodeToString(id.PublicKey), nil
	}

	grp := cryptogroup.Default()
	priv, err := grp.RandomExponent(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate identity exponent: %w", err)
	}
	pub := grp.ModExp(grp.G, priv)

	newID := store.Identity{PublicKey: pub.Bytes(), PrivateKey: priv.Bytes()}
	if err := friends.SetIdentity(newID); err != nil {
		return "", fmt.Errorf("persist identity: %w", err)
	}
	return hex.EncodeToString(newID.PublicKey), nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
