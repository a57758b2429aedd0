// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"time"
)

// Dialer opens a byte stream to a peer address. Implementations live
// in the transport package; the orchestrator only needs the stream.
type Dialer interface {
	DialContext(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// PeerSource supplies the current set of reachable peer addresses.
// Peer discovery is external to the engine — radios, mDNS, static
// config — and may change between rounds.
type PeerSource interface {
	Peers() []string
}

// StaticPeers is a fixed PeerSource, the common case for configured
// deployments.
type StaticPeers []string

func (p StaticPeers) Peers() []string { return p }

// Outcome records one attempted contact for observability.
type Outcome struct {
	// Address is the dialed endpoint; Peer is the node name the
	// remote reported, empty when the dial itself failed.
	Address string
	Peer    string

	Start    time.Time
	Sent     int
	Received int
	Duration time.Duration
	Err      error
}

// OrchestratorConfig carries the orchestrator's dependencies.
type OrchestratorConfig struct {
	// Session configures every session the orchestrator runs.
	Session SessionConfig

	// Dialer opens streams to peers. Required.
	Dialer Dialer

	// Peers supplies addresses each round. Required.
	Peers PeerSource

	// Interval is the cadence of Run's sync rounds. Required for
	// Run; SyncPeer and SyncRound work without it.
	Interval time.Duration

	// HistorySize bounds the retained outcomes. Defaults to 128.
	HistorySize int
}

// Orchestrator drives sync sessions against discovered peers over
// time. Sessions with different peers run concurrently — nothing
// serializes unrelated contacts except store mutation itself.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *slog.Logger

	mu      stdsync.Mutex
	history []Outcome
}

// NewOrchestrator validates cfg and returns a ready orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Session.validate(); err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("sync: Dialer is required")
	}
	if cfg.Peers == nil {
		return nil, fmt.Errorf("sync: Peers is required")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 128
	}
	logger := cfg.Session.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{cfg: cfg, logger: logger}, nil
}

// SyncPeer dials address and runs one session against it, recording
// the outcome either way.
func (o *Orchestrator) SyncPeer(ctx context.Context, address string) (Result, error) {
	start := o.cfg.Session.Clock.Now()

	conn, err := o.cfg.Dialer.DialContext(ctx, address)
	if err != nil {
		dialErr := fmt.Errorf("dialing %s: %w", address, err)
		o.record(Outcome{Address: address, Start: start, Err: dialErr})
		return Result{}, dialErr
	}
	defer conn.Close()

	result, err := RunSession(ctx, conn, o.cfg.Session)
	o.record(Outcome{
		Address:  address,
		Peer:     result.Peer,
		Start:    start,
		Sent:     result.Sent,
		Received: result.Received,
		Duration: result.Duration,
		Err:      err,
	})
	if err != nil {
		o.logger.Warn("sync failed", "address", address, "error", err)
	}
	return result, err
}

// SyncRound contacts every current peer concurrently and waits for
// all sessions to finish. Per-peer failures are recorded, not
// returned: one unreachable peer must not mask the round.
func (o *Orchestrator) SyncRound(ctx context.Context) {
	peers := o.cfg.Peers.Peers()
	var wg stdsync.WaitGroup
	for _, address := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.SyncPeer(ctx, address)
		}()
	}
	wg.Wait()
}

// Run executes sync rounds at the configured interval until ctx is
// cancelled. A round in flight when cancellation arrives is abandoned
// mid-session by the sessions themselves.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Interval <= 0 {
		return fmt.Errorf("sync: Interval is required for Run")
	}
	ticker := o.cfg.Session.Clock.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.SyncRound(ctx)
		}
	}
}

// Outcomes returns the retained contact history, oldest first.
func (o *Orchestrator) Outcomes() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Outcome, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) record(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, outcome)
	if overflow := len(o.history) - o.cfg.HistorySize; overflow > 0 {
		o.history = append(o.history[:0], o.history[overflow:]...)
	}
}
