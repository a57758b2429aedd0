// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/codec"
	"github.com/mulemesh/mulemesh/lib/store"
	"github.com/mulemesh/mulemesh/lib/telemetry"
)

// TrustProvider is the external web-of-trust hook: may viewer receive
// bundles tagged with audience. Implementations must be safe for
// concurrent use — sessions with different peers run in parallel.
type TrustProvider interface {
	Authorized(viewer, audience string) bool
}

// SessionConfig carries the dependencies for running sync sessions.
type SessionConfig struct {
	// Node is the local node name, sent to peers in the index
	// message and recorded in transferred bundles' seen-by sets.
	Node string

	// Store is the local bundle store. Required.
	Store *store.Store

	// Trust authorizes audiences per viewer. Required.
	Trust TrustProvider

	// MaxHops halts propagation of well-travelled bundles. Zero
	// means unlimited.
	MaxHops int

	// PreferLZ4 selects LZ4 over zstd for outgoing bundles, for
	// nodes where CPU is scarcer than bandwidth.
	PreferLZ4 bool

	// Clock provides session timing. Required.
	Clock clock.Clock

	// Logger receives per-session messages. Nil means discard.
	Logger *slog.Logger

	// Metrics receives session counters. Nil disables reporting.
	Metrics *telemetry.Metrics
}

func (cfg *SessionConfig) validate() error {
	if cfg.Node == "" {
		return fmt.Errorf("sync: Node is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("sync: Store is required")
	}
	if cfg.Trust == nil {
		return fmt.Errorf("sync: Trust is required")
	}
	if cfg.Clock == nil {
		return fmt.Errorf("sync: Clock is required")
	}
	return nil
}

// Result summarizes one completed session.
type Result struct {
	// Peer is the remote node's self-reported name.
	Peer string

	// Sent and Received count bundles that crossed in each
	// direction. Duplicates counts received bundles the store
	// already held.
	Sent       int
	Received   int
	Duplicates int

	Duration time.Duration
}

// RunSession reconciles the local store with the peer on the other
// end of conn. Both sides run the same function; the exchange is
// symmetric. Cancelling ctx closes conn and abandons the in-flight
// transfer set — no partial bundle is ever admitted, so the store
// stays consistent and the next contact starts clean.
func RunSession(ctx context.Context, conn io.ReadWriteCloser, cfg SessionConfig) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := cfg.Clock.Now()

	// Cancellation unblocks reads and writes by closing the conn.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	result, err := runExchange(ctx, conn, cfg, logger)
	result.Duration = cfg.Clock.Now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if ctx.Err() != nil || !isProtocolErr(err) {
			err = &TransferInterruptedError{Peer: result.Peer, Err: err}
		}
	}
	cfg.Metrics.RecordSession(outcome, result.Sent, result.Received, result.Duration.Seconds())
	return result, err
}

func isProtocolErr(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

func runExchange(ctx context.Context, conn io.ReadWriteCloser, cfg SessionConfig, logger *slog.Logger) (Result, error) {
	var result Result

	localIndex, err := cfg.Store.Index(ctx)
	if err != nil {
		return result, err
	}

	// Both sides open by sending their index. The send runs
	// concurrently with the read so two symmetric peers on an
	// unbuffered stream cannot deadlock.
	indexSent := make(chan error, 1)
	go func() {
		indexSent <- writeMessage(conn, kindIndex, IndexMessage{
			Version: ProtocolVersion,
			Node:    cfg.Node,
			Entries: localIndex,
		})
	}()

	peerIndex, err := readIndex(conn)
	if err != nil {
		return result, err
	}
	result.Peer = peerIndex.Node
	if err := <-indexSent; err != nil {
		return result, err
	}
	if peerIndex.Version != ProtocolVersion {
		return result, &ProtocolError{Reason: fmt.Sprintf(
			"peer %s speaks version %d, this node speaks %d",
			peerIndex.Node, peerIndex.Version, ProtocolVersion)}
	}

	toPush, toPull := ComputeTransferSet(TransferSetParams{
		Local:      localIndex,
		Remote:     peerIndex.Entries,
		RemoteNode: peerIndex.Node,
		RemoteAuthorized: func(audience string) bool {
			return cfg.Trust.Authorized(peerIndex.Node, audience)
		},
		LocalAuthorized: func(audience string) bool {
			return cfg.Trust.Authorized(cfg.Node, audience)
		},
		Detail:  storeDetail(ctx, cfg.Store),
		MaxHops: cfg.MaxHops,
	})
	logger.Debug("transfer set computed",
		"peer", peerIndex.Node, "to_push", len(toPush), "to_pull", len(toPull))

	// Push and receive run concurrently: the peer is pushing its own
	// set while we push ours.
	type pushOutcome struct {
		sent []bundle.ID
		err  error
	}
	pushDone := make(chan pushOutcome, 1)
	go func() {
		sent, err := pushBundles(ctx, conn, cfg, toPush, logger)
		pushDone <- pushOutcome{sent: sent, err: err}
	}()

	received, duplicates, recvErr := receiveBundles(ctx, conn, cfg, peerIndex.Node, logger)
	push := <-pushDone

	result.Sent = len(push.sent)
	result.Received = received
	result.Duplicates = duplicates

	if recvErr != nil {
		return result, recvErr
	}
	if push.err != nil {
		return result, push.err
	}

	// Both halves completed: remember what the peer now holds so it
	// is never re-offered.
	for _, id := range push.sent {
		if err := cfg.Store.RecordForward(ctx, id, peerIndex.Node); err != nil {
			logger.Warn("recording forward failed",
				"bundle", bundle.FormatID(id), "peer", peerIndex.Node, "error", err)
		}
	}

	logger.Info("sync session complete",
		"peer", peerIndex.Node,
		"sent", result.Sent,
		"received", result.Received,
		"duplicates", result.Duplicates)
	return result, nil
}

// storeDetail adapts the store to the transfer-set provenance lookup.
func storeDetail(ctx context.Context, s *store.Store) LocalDetail {
	return func(id bundle.ID) (int, []string, bool) {
		record, err := s.Get(ctx, id)
		if err != nil {
			return 0, nil, false
		}
		return record.Bundle.HopCount, record.Bundle.SeenBy, true
	}
}

func readIndex(conn io.Reader) (*IndexMessage, error) {
	kind, body, err := readMessage(conn)
	if err != nil {
		return nil, err
	}
	if kind != kindIndex {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected index message, got kind %d", kind)}
	}
	var index IndexMessage
	if err := codec.Unmarshal(body, &index); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("undecodable index: %v", err)}
	}
	return &index, nil
}

// pushBundles streams the transfer set in priority order, then Done.
// Returns the ids actually written. A bundle that disappeared or
// expired between index snapshot and send is skipped, not an error.
func pushBundles(ctx context.Context, conn io.Writer, cfg SessionConfig, toPush []bundle.IndexEntry, logger *slog.Logger) ([]bundle.ID, error) {
	now := cfg.Clock.Now()
	var sent []bundle.ID
	for _, entry := range toPush {
		record, err := cfg.Store.Get(ctx, entry.ID)
		if err != nil {
			continue
		}
		if record.State != bundle.StateQueued && record.State != bundle.StateDelivered {
			continue
		}
		if record.Bundle.Expired(now) {
			continue
		}

		encoded, err := bundle.Encode(record.Bundle)
		if err != nil {
			logger.Warn("encoding stored bundle failed",
				"bundle", bundle.FormatID(entry.ID), "error", err)
			continue
		}
		var tag CompressionTag
		var data []byte
		if cfg.PreferLZ4 {
			tag, data = compressLZ4(encoded)
		} else {
			tag, data = compressForWire(encoded)
		}

		err = writeMessage(conn, kindBundle, BundleMessage{
			Encoded:     data,
			Compression: uint8(tag),
			RawSize:     len(encoded),
			HopCount:    record.Bundle.HopCount,
			SeenBy:      record.Bundle.SeenBy,
		})
		if err != nil {
			return sent, err
		}
		sent = append(sent, entry.ID)
	}
	if err := writeMessage(conn, kindDone, DoneMessage{Sent: len(sent)}); err != nil {
		return sent, err
	}
	return sent, nil
}

// receiveBundles consumes the peer's push stream until Done. Per-
// bundle failures (bad signature, expired in transit, budget
// rejection) are terminal for that bundle only: logged, counted
// nowhere, never admitted in degraded form.
func receiveBundles(ctx context.Context, conn io.Reader, cfg SessionConfig, peer string, logger *slog.Logger) (received, duplicates int, err error) {
	for {
		kind, body, err := readMessage(conn)
		if err != nil {
			return received, duplicates, err
		}
		switch kind {
		case kindDone:
			return received, duplicates, nil

		case kindBundle:
			var message BundleMessage
			if err := codec.Unmarshal(body, &message); err != nil {
				return received, duplicates, &ProtocolError{Reason: fmt.Sprintf("undecodable bundle message: %v", err)}
			}
			outcome, err := admitIncoming(ctx, cfg.Store, &message, peer)
			switch {
			case err != nil:
				logger.Warn("incoming bundle rejected", "peer", peer, "error", err)
			case outcome == store.AdmitDuplicate:
				duplicates++
			default:
				received++
			}

		default:
			return received, duplicates, &ProtocolError{Reason: fmt.Sprintf("unexpected message kind %d mid-session", kind)}
		}
	}
}

// admitIncoming restores a pushed bundle, stamps the travelling
// copy's provenance, and hands it to the store's single admission
// path — exactly the path a locally created bundle takes.
func admitIncoming(ctx context.Context, s *store.Store, message *BundleMessage, peer string) (store.AdmitOutcome, error) {
	encoded, err := decompressFromWire(message.Encoded, CompressionTag(message.Compression), message.RawSize)
	if err != nil {
		return 0, err
	}
	incoming, err := bundle.Decode(encoded)
	if err != nil {
		return 0, err
	}

	incoming.HopCount = message.HopCount + 1
	incoming.SeenBy = message.SeenBy
	if !incoming.SeenByContains(peer) {
		incoming.SeenBy = append(incoming.SeenBy, peer)
	}
	return s.Admit(ctx, incoming)
}
