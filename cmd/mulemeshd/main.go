// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Mulemeshd is the mesh node daemon. It owns the durable bundle
// store, serves inbound sync sessions over TCP and QUIC, dials
// configured peers on an interval, sweeps expired bundles, and serves
// Prometheus metrics.
//
// On startup:
//  1. Loads configuration from --config (or MULEMESH_CONFIG).
//  2. Loads or generates the node's Ed25519 signing keypair.
//  3. Opens the bundle store and rebuilds the in-memory queue.
//  4. Starts listeners, the sweep loop, and the sync orchestrator.
//  5. Runs until SIGINT/SIGTERM, then shuts down cleanly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/config"
	"github.com/mulemesh/mulemesh/lib/identity"
	"github.com/mulemesh/mulemesh/lib/process"
	"github.com/mulemesh/mulemesh/lib/queue"
	"github.com/mulemesh/mulemesh/lib/store"
	"github.com/mulemesh/mulemesh/lib/sync"
	"github.com/mulemesh/mulemesh/lib/telemetry"
	"github.com/mulemesh/mulemesh/lib/version"
	"github.com/mulemesh/mulemesh/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to mulemesh.yaml (default: MULEMESH_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("mulemeshd")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, logger)
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	passphrase, err := identity.LoadPassphrase(cfg.Node.KeyPassphraseFile)
	if err != nil {
		return err
	}
	public, _, generated, err := identity.LoadOrGenerate(cfg.Node.KeyDir, passphrase)
	if err != nil {
		return err
	}
	logger.Info("node identity",
		"node", cfg.Node.Name,
		"fingerprint", identity.Fingerprint(public),
		"generated", generated,
		"sealed", passphrase != "")

	budget, err := cfg.Store.BudgetBytes()
	if err != nil {
		return err
	}
	sweepInterval, err := cfg.Store.SweepEvery()
	if err != nil {
		return err
	}
	purgeGrace, err := cfg.Store.PurgeAfter()
	if err != nil {
		return err
	}
	syncInterval, err := cfg.Sync.SyncEvery()
	if err != nil {
		return err
	}

	clk := clock.Real()
	metrics := telemetry.New()

	st, err := store.Open(store.Config{
		Path:    cfg.Store.Path,
		Budget:  budget,
		Clock:   clk,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	deliveryQueue := queue.New()
	if err := rebuildQueue(ctx, st, deliveryQueue); err != nil {
		return err
	}
	logger.Info("store opened",
		"path", cfg.Store.Path,
		"budget_bytes", budget,
		"queued", deliveryQueue.Len(bundle.StateQueued),
		"quarantined", deliveryQueue.Len(bundle.StateQuarantined))

	sessionCfg := sync.SessionConfig{
		Node:  cfg.Node.Name,
		Store: st,
		Trust: &sync.StaticTrust{
			Open:      cfg.Trust.Open,
			Audiences: cfg.Trust.Audiences,
		},
		MaxHops:   cfg.Sync.MaxHops,
		PreferLZ4: cfg.Sync.PreferLZ4,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	}

	// Fatal errors from background components. Buffered so a failing
	// component can exit even if the daemon is already shutting down.
	fatal := make(chan error, 8)

	startListeners(ctx, cfg, sessionCfg, logger, fatal)
	startSweeper(ctx, st, deliveryQueue, clk, sweepInterval, purgeGrace, logger)

	if len(cfg.Sync.Peers) > 0 {
		orch, err := sync.NewOrchestrator(sync.OrchestratorConfig{
			Session:  sessionCfg,
			Dialer:   dialerFor(cfg.Sync.Dial),
			Peers:    sync.StaticPeers(cfg.Sync.Peers),
			Interval: syncInterval,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fatal <- fmt.Errorf("orchestrator: %w", err)
			}
		}()
		logger.Info("sync orchestrator started",
			"peers", cfg.Sync.Peers,
			"interval", syncInterval,
			"dial", cfg.Sync.Dial)
	}

	if cfg.Telemetry.MetricsAddress != "" {
		startMetricsServer(ctx, cfg.Telemetry.MetricsAddress, metrics, logger, fatal)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-fatal:
		return err
	}
}

// rebuildQueue reloads the in-memory priority queue from the durable
// store, so delivery ordering survives restarts and tracks sweeps.
func rebuildQueue(ctx context.Context, st *store.Store, deliveryQueue *queue.Queue) error {
	states := []bundle.State{
		bundle.StateQueued,
		bundle.StateDelivered,
		bundle.StateExpired,
		bundle.StateQuarantined,
	}
	var records []queue.RebuildRecord
	for _, state := range states {
		stored, err := st.ListByState(ctx, state)
		if err != nil {
			return fmt.Errorf("rebuilding queue: %w", err)
		}
		for _, record := range stored {
			records = append(records, queue.RebuildRecord{
				Entry: record.Bundle.IndexEntry(),
				State: state,
			})
		}
	}
	if err := deliveryQueue.Rebuild(records); err != nil {
		return fmt.Errorf("rebuilding queue: %w", err)
	}
	return nil
}

// startListeners starts one goroutine per configured transport, each
// serving inbound sync sessions.
func startListeners(ctx context.Context, cfg *config.Config, sessionCfg sync.SessionConfig, logger *slog.Logger, fatal chan<- error) {
	handler := func(ctx context.Context, stream io.ReadWriteCloser) {
		result, err := sync.RunSession(ctx, stream, sessionCfg)
		if err != nil {
			logger.Warn("inbound session failed", "error", err)
			return
		}
		logger.Info("inbound session complete",
			"peer", result.Peer,
			"sent", result.Sent,
			"received", result.Received,
			"duration", result.Duration)
	}

	serve := func(name string, listener transport.Listener) {
		logger.Info("listener started", "transport", name, "address", listener.Address())
		go func() {
			defer listener.Close()
			if err := listener.Serve(ctx, handler); err != nil {
				fatal <- fmt.Errorf("%s listener: %w", name, err)
			}
		}()
	}

	if cfg.Listen.TCP != "" {
		listener, err := transport.NewTCPListener(cfg.Listen.TCP)
		if err != nil {
			fatal <- fmt.Errorf("tcp listener: %w", err)
			return
		}
		serve("tcp", listener)
	}
	if cfg.Listen.QUIC != "" {
		listener, err := transport.NewQUICListener(transport.QUICListenerConfig{Address: cfg.Listen.QUIC})
		if err != nil {
			fatal <- fmt.Errorf("quic listener: %w", err)
			return
		}
		serve("quic", listener)
	}
}

// startSweeper runs the periodic expiry sweep. Each pass transitions
// expired bundles, purges rows past the retention grace, and rebuilds
// the in-memory queue views. The rebuild runs every tick regardless of
// sweep results: inbound sync sessions admit bundles straight to the
// store, and the queue only learns about them here.
func startSweeper(ctx context.Context, st *store.Store, deliveryQueue *queue.Queue, clk clock.Clock, interval, grace time.Duration, logger *slog.Logger) {
	go func() {
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			swept, err := st.Sweep(ctx)
			if err != nil {
				logger.Error("sweep failed", "error", err)
				continue
			}
			purged, err := st.PurgeExpired(ctx, grace)
			if err != nil {
				logger.Error("purge failed", "error", err)
				continue
			}
			if swept > 0 || purged > 0 {
				logger.Info("sweep complete", "expired", swept, "purged", purged)
			}
			if err := rebuildQueue(ctx, st, deliveryQueue); err != nil {
				logger.Error("queue rebuild failed", "error", err)
			}
		}
	}()
}

// dialerFor returns the outbound transport named in the config. The
// config validator has already constrained the value.
func dialerFor(name string) sync.Dialer {
	if name == "quic" {
		return &transport.QUICDialer{}
	}
	return &transport.TCPDialer{Timeout: 30 * time.Second}
}

// startMetricsServer serves Prometheus metrics over HTTP.
func startMetricsServer(ctx context.Context, address string, metrics *telemetry.Metrics, logger *slog.Logger, fatal chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("metrics endpoint started", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}
