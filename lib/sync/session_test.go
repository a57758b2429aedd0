// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/store"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

// trustAll authorizes every viewer for every audience.
type trustAll struct{}

func (trustAll) Authorized(viewer, audience string) bool { return true }

// audienceTrust authorizes each viewer only for its listed audiences.
type audienceTrust map[string][]string

func (t audienceTrust) Authorized(viewer, audience string) bool {
	for _, allowed := range t[viewer] {
		if allowed == audience {
			return true
		}
	}
	return false
}

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func newTestStore(t *testing.T, clk clock.Clock) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "bundles.db"),
		Budget: 1 << 20,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBundle(t *testing.T, key ed25519.PrivateKey, priority bundle.Priority, audience, payload string) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New(bundle.CreateParams{
		Payload:     []byte(payload),
		PayloadType: "text/plain",
		Priority:    priority,
		Audience:    audience,
	}, bundle.DefaultTTLPolicy(), testNow, key)
	if err != nil {
		t.Fatalf("creating bundle: %v", err)
	}
	return b
}

func admit(t *testing.T, s *store.Store, b *bundle.Bundle) {
	t.Helper()
	if _, err := s.Admit(context.Background(), b); err != nil {
		t.Fatalf("admitting %s: %v", bundle.FormatID(b.ID), err)
	}
}

// runBothSides executes one session between two configured nodes over
// an in-memory pipe and returns both results.
func runBothSides(t *testing.T, ctx context.Context, cfgA, cfgB SessionConfig) (Result, Result) {
	t.Helper()
	connA, connB := net.Pipe()

	type sideResult struct {
		result Result
		err    error
	}
	sideB := make(chan sideResult, 1)
	go func() {
		result, err := RunSession(ctx, connB, cfgB)
		sideB <- sideResult{result, err}
	}()

	resultA, errA := RunSession(ctx, connA, cfgA)
	b := <-sideB
	if errA != nil {
		t.Fatalf("side A session: %v", errA)
	}
	if b.err != nil {
		t.Fatalf("side B session: %v", b.err)
	}
	return resultA, b.result
}

func TestSessionExchangesMissingBundles(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(testNow)
	key := testKey(t)

	storeA := newTestStore(t, fake)
	storeB := newTestStore(t, fake)

	x := newTestBundle(t, key, bundle.PriorityNormal, "public", "bundle X")
	y := newTestBundle(t, key, bundle.PriorityNormal, "public", "bundle Y")
	z := newTestBundle(t, key, bundle.PriorityNormal, "public", "bundle Z")
	admit(t, storeA, x)
	admit(t, storeA, y)
	admit(t, storeB, y)
	admit(t, storeB, z)

	cfgA := SessionConfig{Node: "node-a", Store: storeA, Trust: trustAll{}, Clock: fake}
	cfgB := SessionConfig{Node: "node-b", Store: storeB, Trust: trustAll{}, Clock: fake}
	resultA, resultB := runBothSides(t, ctx, cfgA, cfgB)

	if resultA.Peer != "node-b" || resultB.Peer != "node-a" {
		t.Errorf("peer names: A saw %q, B saw %q", resultA.Peer, resultB.Peer)
	}
	if resultA.Sent != 1 || resultA.Received != 1 {
		t.Errorf("A sent %d received %d, want 1 and 1", resultA.Sent, resultA.Received)
	}
	if resultB.Sent != 1 || resultB.Received != 1 {
		t.Errorf("B sent %d received %d, want 1 and 1", resultB.Sent, resultB.Received)
	}

	// Z crossed to A with provenance stamped by the hop.
	gotZ, err := storeA.Get(ctx, z.ID)
	if err != nil {
		t.Fatalf("Z missing from A: %v", err)
	}
	if string(gotZ.Bundle.Payload) != "bundle Z" {
		t.Errorf("Z payload corrupted: %q", gotZ.Bundle.Payload)
	}
	if gotZ.Bundle.HopCount != 1 || !gotZ.Bundle.SeenByContains("node-b") {
		t.Errorf("Z provenance: hops=%d seen_by=%v", gotZ.Bundle.HopCount, gotZ.Bundle.SeenBy)
	}

	gotX, err := storeB.Get(ctx, x.ID)
	if err != nil {
		t.Fatalf("X missing from B: %v", err)
	}
	if gotX.Bundle.HopCount != 1 || !gotX.Bundle.SeenByContains("node-a") {
		t.Errorf("X provenance: hops=%d seen_by=%v", gotX.Bundle.HopCount, gotX.Bundle.SeenBy)
	}

	// A's copy of X now remembers node-b, so the next contact will
	// not re-offer it even if B purges it.
	recordX, err := storeA.Get(ctx, x.ID)
	if err != nil {
		t.Fatalf("X missing from A: %v", err)
	}
	if !recordX.Bundle.SeenByContains("node-b") {
		t.Errorf("A did not record the forward of X: %v", recordX.Bundle.SeenBy)
	}
}

func TestSessionSecondContactIsQuiet(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(testNow)
	key := testKey(t)

	storeA := newTestStore(t, fake)
	storeB := newTestStore(t, fake)
	admit(t, storeA, newTestBundle(t, key, bundle.PriorityHigh, "public", "only on A"))

	cfgA := SessionConfig{Node: "node-a", Store: storeA, Trust: trustAll{}, Clock: fake}
	cfgB := SessionConfig{Node: "node-b", Store: storeB, Trust: trustAll{}, Clock: fake}

	runBothSides(t, ctx, cfgA, cfgB)
	resultA, resultB := runBothSides(t, ctx, cfgA, cfgB)

	if resultA.Sent != 0 || resultA.Received != 0 || resultB.Sent != 0 || resultB.Received != 0 {
		t.Errorf("second contact transferred: A sent=%d recv=%d, B sent=%d recv=%d",
			resultA.Sent, resultA.Received, resultB.Sent, resultB.Received)
	}
}

func TestSessionRespectsAudience(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(testNow)
	key := testKey(t)

	storeA := newTestStore(t, fake)
	storeB := newTestStore(t, fake)

	public := newTestBundle(t, key, bundle.PriorityNormal, "public", "for everyone")
	medical := newTestBundle(t, key, bundle.PriorityNormal, "medical", "clinicians only")
	admit(t, storeA, public)
	admit(t, storeA, medical)

	trust := audienceTrust{
		"node-a": {"public", "medical"},
		"node-b": {"public"},
	}
	cfgA := SessionConfig{Node: "node-a", Store: storeA, Trust: trust, Clock: fake}
	cfgB := SessionConfig{Node: "node-b", Store: storeB, Trust: trust, Clock: fake}
	resultA, _ := runBothSides(t, ctx, cfgA, cfgB)

	if resultA.Sent != 1 {
		t.Errorf("A sent %d bundles, want 1", resultA.Sent)
	}
	if _, err := storeB.Get(ctx, public.ID); err != nil {
		t.Errorf("public bundle missing from B: %v", err)
	}
	if _, err := storeB.Get(ctx, medical.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("medical bundle leaked to unauthorized peer: %v", err)
	}
}

func TestSessionHopCeiling(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(testNow)
	key := testKey(t)

	storeA := newTestStore(t, fake)
	storeB := newTestStore(t, fake)

	travelled := newTestBundle(t, key, bundle.PriorityNormal, "public", "well travelled")
	travelled.HopCount = 3
	travelled.SeenBy = []string{"node-x", "node-y", "node-z"}
	admit(t, storeA, travelled)

	cfgA := SessionConfig{Node: "node-a", Store: storeA, Trust: trustAll{}, Clock: fake, MaxHops: 3}
	cfgB := SessionConfig{Node: "node-b", Store: storeB, Trust: trustAll{}, Clock: fake, MaxHops: 3}
	resultA, _ := runBothSides(t, ctx, cfgA, cfgB)

	if resultA.Sent != 0 {
		t.Errorf("A forwarded a bundle at the hop ceiling: sent %d", resultA.Sent)
	}
	if _, err := storeB.Get(ctx, travelled.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("hop-capped bundle crossed anyway: %v", err)
	}
}

func TestSessionCancellation(t *testing.T) {
	fake := clock.Fake(testNow)
	storeA := newTestStore(t, fake)

	connA, connB := net.Pipe()
	defer connB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		cfg := SessionConfig{Node: "node-a", Store: storeA, Trust: trustAll{}, Clock: fake}
		_, err := RunSession(ctx, connA, cfg)
		done <- err
	}()

	// The peer never answers; cancellation must unblock the session.
	cancel()

	select {
	case err := <-done:
		if !IsTransferInterrupted(err) {
			t.Fatalf("cancelled session: err = %v, want TransferInterruptedError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled session did not return")
	}
}

func TestSessionRejectsVersionMismatch(t *testing.T) {
	fake := clock.Fake(testNow)
	storeA := newTestStore(t, fake)

	connA, connB := net.Pipe()
	defer connB.Close()

	done := make(chan error, 1)
	go func() {
		cfg := SessionConfig{Node: "node-a", Store: storeA, Trust: trustAll{}, Clock: fake}
		_, err := RunSession(context.Background(), connA, cfg)
		done <- err
	}()

	// Play the peer by hand: read A's index, answer with a future
	// protocol version.
	if _, _, err := readMessage(connB); err != nil {
		t.Fatalf("reading index from A: %v", err)
	}
	err := writeMessage(connB, kindIndex, IndexMessage{Version: 99, Node: "node-future"})
	if err != nil {
		t.Fatalf("writing mismatched index: %v", err)
	}

	var protocolErr *ProtocolError
	if err := <-done; !errors.As(err, &protocolErr) {
		t.Fatalf("version mismatch: err = %v, want ProtocolError", err)
	}
}

func TestSessionTamperedBundleDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(testNow)
	key := testKey(t)

	storeA := newTestStore(t, fake)

	connA, connB := net.Pipe()
	defer connB.Close()

	done := make(chan error, 1)
	results := make(chan Result, 1)
	go func() {
		cfg := SessionConfig{Node: "node-a", Store: storeA, Trust: trustAll{}, Clock: fake}
		result, err := RunSession(context.Background(), connA, cfg)
		results <- result
		done <- err
	}()

	if _, _, err := readMessage(connB); err != nil {
		t.Fatalf("reading index from A: %v", err)
	}
	if err := writeMessage(connB, kindIndex, IndexMessage{Version: ProtocolVersion, Node: "node-evil"}); err != nil {
		t.Fatalf("writing index: %v", err)
	}

	// One tampered bundle, then one honest bundle, then done. A's
	// pushes nothing (empty store), so just drain its done frame.
	go func() {
		for {
			if _, _, err := readMessage(connB); err != nil {
				return
			}
		}
	}()

	tampered := newTestBundle(t, key, bundle.PriorityNormal, "public", "will be tampered")
	tampered.Payload[0] ^= 0xff
	tamperedWire, err := bundle.Encode(tampered)
	if err != nil {
		t.Fatalf("encoding tampered bundle: %v", err)
	}
	if err := writeMessage(connB, kindBundle, BundleMessage{
		Encoded: tamperedWire, Compression: uint8(CompressionNone), RawSize: len(tamperedWire),
	}); err != nil {
		t.Fatalf("writing tampered bundle: %v", err)
	}

	honest := newTestBundle(t, key, bundle.PriorityNormal, "public", "still trustworthy")
	honestWire, err := bundle.Encode(honest)
	if err != nil {
		t.Fatalf("encoding honest bundle: %v", err)
	}
	if err := writeMessage(connB, kindBundle, BundleMessage{
		Encoded: honestWire, Compression: uint8(CompressionNone), RawSize: len(honestWire),
	}); err != nil {
		t.Fatalf("writing honest bundle: %v", err)
	}
	if err := writeMessage(connB, kindDone, DoneMessage{Sent: 2}); err != nil {
		t.Fatalf("writing done: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("session failed: %v", err)
	}
	result := <-results
	if result.Received != 1 {
		t.Errorf("received %d bundles, want only the honest one", result.Received)
	}
	if _, err := storeA.Get(ctx, tampered.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tampered bundle reached the store: %v", err)
	}
	if _, err := storeA.Get(ctx, honest.ID); err != nil {
		t.Errorf("honest bundle missing: %v", err)
	}
}
