// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/queue"
	"github.com/mulemesh/mulemesh/lib/store"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, clk clock.Clock) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "bundles.db"),
		Budget: 1 << 20,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return st
}

// Bundles admitted after startup — inbound sync sessions write straight
// to the store — must show up in the in-memory queue on the next sweep
// tick, even when the sweep itself expires and purges nothing.
func TestSweeperRefreshesQueueWithoutSweepActivity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := clock.Fake(testNow)
	st := openTestStore(t, fake)
	deliveryQueue := queue.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	startSweeper(ctx, st, deliveryQueue, fake, time.Minute, time.Hour, logger)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	b, err := bundle.New(bundle.CreateParams{
		Payload:     []byte("arrived mid-flight"),
		PayloadType: "text/plain",
		Priority:    bundle.PriorityNormal,
		Audience:    "public",
	}, bundle.DefaultTTLPolicy(), fake.Now(), key)
	if err != nil {
		t.Fatalf("creating bundle: %v", err)
	}
	if _, err := st.Admit(ctx, b); err != nil {
		t.Fatalf("admitting bundle: %v", err)
	}
	if got := deliveryQueue.Len(bundle.StateQueued); got != 0 {
		t.Fatalf("queue length before tick = %d, want 0", got)
	}

	// Advance races with ticker registration, so retry until the
	// rebuild lands.
	deadline := time.After(5 * time.Second)
	for deliveryQueue.Len(bundle.StateQueued) == 0 {
		fake.Advance(time.Minute)
		select {
		case <-deadline:
			t.Fatal("queue never picked up the admitted bundle")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if state, ok := deliveryQueue.State(b.ID); !ok || state != bundle.StateQueued {
		t.Fatalf("queue state for %s = %q, %v; want queued", bundle.FormatID(b.ID), state, ok)
	}
}
