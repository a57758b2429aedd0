// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/store"
)

// testConfig writes a self-contained config file so commands never
// touch the real home directory.
func testConfig(t *testing.T) (configPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "bundles.db")
	configPath = filepath.Join(dir, "mulemesh.yaml")
	contents := fmt.Sprintf(`
node:
  name: cli-test
  key_dir: %s
store:
  path: %s
  budget: 16MiB
`, filepath.Join(dir, "keys"), storePath)
	if err := os.WriteFile(configPath, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath, storePath
}

func openTestStore(t *testing.T, storePath string) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:   storePath,
		Budget: 16 << 20,
		Clock:  clock.Real(),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		// Some tests close the store themselves mid-test; the pool
		// panics on a second Close, so tolerate that here.
		defer func() { recover() }()
		st.Close()
	})
	return st
}

// --- dispatch ---

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"teleport"}); err == nil {
		t.Fatal("unknown command did not error")
	}
}

func TestNoCommand(t *testing.T) {
	if err := run(nil); err == nil {
		t.Fatal("missing subcommand did not error")
	}
}

// --- lifecycle through the CLI ---

func TestCreateQuarantineReleaseLifecycle(t *testing.T) {
	configPath, storePath := testConfig(t)

	payloadPath := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(payloadPath, []byte("water point contaminated"), 0644); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	err := run([]string{"create",
		"--config", configPath,
		"--priority", "high",
		"--audience", "public",
		"--type", "text/plain",
		payloadPath,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	st := openTestStore(t, storePath)
	records, err := st.ListByState(context.Background(), bundle.StateQueued)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("queued bundles = %d, want 1", len(records))
	}
	b := records[0].Bundle
	if b.Priority != bundle.PriorityHigh {
		t.Errorf("priority = %s, want high", b.Priority)
	}
	if err := b.Verify(); err != nil {
		t.Errorf("created bundle does not verify: %v", err)
	}
	id := bundle.FormatID(b.ID)
	st.Close()

	if err := run([]string{"quarantine", "--config", configPath, "--reason", "manual review", id}); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if err := run([]string{"release", "--config", configPath, id}); err != nil {
		t.Fatalf("release: %v", err)
	}

	st = openTestStore(t, storePath)
	record, err := st.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get after release: %v", err)
	}
	if record.State != bundle.StateQueued {
		t.Errorf("state after release = %s, want queued", record.State)
	}
}

func TestCreateWithNoncesAddsDistinctBundles(t *testing.T) {
	configPath, storePath := testConfig(t)

	payloadPath := filepath.Join(t.TempDir(), "notice.txt")
	if err := os.WriteFile(payloadPath, []byte("clinic hours change"), 0644); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	// Same payload twice with distinct nonces: two distinct ids, both
	// admitted. This exercises create against an existing store file.
	for i := range 2 {
		err := run([]string{"create", "--config", configPath,
			"--nonce", fmt.Sprintf("copy-%d", i), payloadPath})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	st := openTestStore(t, storePath)
	records, err := st.ListByState(context.Background(), bundle.StateQueued)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("queued bundles = %d, want 2", len(records))
	}
}

func TestQuarantineRequiresReason(t *testing.T) {
	configPath, _ := testConfig(t)
	id := bundle.FormatID(bundle.ID{1})
	if err := run([]string{"quarantine", "--config", configPath, id}); err == nil {
		t.Fatal("quarantine without --reason did not error")
	}
}

func TestShowRejectsBadID(t *testing.T) {
	configPath, _ := testConfig(t)
	if err := run([]string{"show", "--config", configPath, "not-hex"}); err == nil {
		t.Fatal("show accepted a malformed id")
	}
}
