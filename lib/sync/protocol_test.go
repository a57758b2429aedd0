// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"testing"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

func allowAll(string) bool { return true }

func indexEntry(seed byte, priority bundle.Priority, audience string, createdAt int64) bundle.IndexEntry {
	var id bundle.ID
	id[0] = seed
	return bundle.IndexEntry{ID: id, Priority: priority, Audience: audience, CreatedAt: createdAt}
}

func ids(entries []bundle.IndexEntry) []byte {
	out := make([]byte, len(entries))
	for i, entry := range entries {
		out[i] = entry.ID[0]
	}
	return out
}

func TestComputeTransferSetMinimal(t *testing.T) {
	x := indexEntry(1, bundle.PriorityNormal, "public", 100)
	y := indexEntry(2, bundle.PriorityNormal, "public", 200)
	z := indexEntry(3, bundle.PriorityNormal, "public", 300)

	toPush, toPull := ComputeTransferSet(TransferSetParams{
		Local:            []bundle.IndexEntry{x, y},
		Remote:           []bundle.IndexEntry{y, z},
		RemoteNode:       "node-b",
		RemoteAuthorized: allowAll,
		LocalAuthorized:  allowAll,
	})

	if len(toPush) != 1 || toPush[0].ID != x.ID {
		t.Errorf("to_push = %v, want exactly X", ids(toPush))
	}
	if len(toPull) != 1 || toPull[0].ID != z.ID {
		t.Errorf("to_pull = %v, want exactly Z", ids(toPull))
	}
}

func TestComputeTransferSetAudienceFiltering(t *testing.T) {
	public := indexEntry(1, bundle.PriorityNormal, "public", 100)
	medical := indexEntry(2, bundle.PriorityNormal, "medical", 200)

	toPush, toPull := ComputeTransferSet(TransferSetParams{
		Local:      []bundle.IndexEntry{public, medical},
		Remote:     []bundle.IndexEntry{medical},
		RemoteNode: "node-b",
		RemoteAuthorized: func(audience string) bool {
			return audience == "public"
		},
		LocalAuthorized: allowAll,
	})

	if len(toPush) != 1 || toPush[0].ID != public.ID {
		t.Errorf("to_push = %v, want only the public bundle", ids(toPush))
	}
	// The remote holds nothing we lack.
	if len(toPull) != 0 {
		t.Errorf("to_pull = %v, want empty", ids(toPull))
	}
}

func TestComputeTransferSetNilPredicateDeniesAll(t *testing.T) {
	entry := indexEntry(1, bundle.PriorityNormal, "public", 100)
	toPush, toPull := ComputeTransferSet(TransferSetParams{
		Local:      []bundle.IndexEntry{entry},
		Remote:     []bundle.IndexEntry{entry},
		RemoteNode: "node-b",
	})
	if len(toPush) != 0 || len(toPull) != 0 {
		t.Errorf("nil predicates transferred something: push=%v pull=%v", ids(toPush), ids(toPull))
	}
}

func TestComputeTransferSetSeenByExclusion(t *testing.T) {
	sent := indexEntry(1, bundle.PriorityNormal, "public", 100)
	fresh := indexEntry(2, bundle.PriorityNormal, "public", 200)

	// The peer purged bundle 1 after delivery, so a naive index diff
	// would re-offer it. Its presence in our seen-by record must win.
	toPush, _ := ComputeTransferSet(TransferSetParams{
		Local:            []bundle.IndexEntry{sent, fresh},
		Remote:           nil,
		RemoteNode:       "node-b",
		RemoteAuthorized: allowAll,
		LocalAuthorized:  allowAll,
		Detail: func(id bundle.ID) (int, []string, bool) {
			if id == sent.ID {
				return 0, []string{"node-b"}, true
			}
			return 0, nil, true
		},
	})

	if len(toPush) != 1 || toPush[0].ID != fresh.ID {
		t.Errorf("to_push = %v, want only the fresh bundle", ids(toPush))
	}
}

func TestComputeTransferSetHopCeiling(t *testing.T) {
	tired := indexEntry(1, bundle.PriorityNormal, "public", 100)
	young := indexEntry(2, bundle.PriorityNormal, "public", 200)

	toPush, _ := ComputeTransferSet(TransferSetParams{
		Local:            []bundle.IndexEntry{tired, young},
		Remote:           nil,
		RemoteNode:       "node-b",
		RemoteAuthorized: allowAll,
		LocalAuthorized:  allowAll,
		MaxHops:          5,
		Detail: func(id bundle.ID) (int, []string, bool) {
			if id == tired.ID {
				return 5, nil, true
			}
			return 2, nil, true
		},
	})

	if len(toPush) != 1 || toPush[0].ID != young.ID {
		t.Errorf("to_push = %v, want only the young bundle", ids(toPush))
	}
}

func TestComputeTransferSetOrdering(t *testing.T) {
	oldLow := indexEntry(1, bundle.PriorityLow, "public", 100)
	newLow := indexEntry(2, bundle.PriorityLow, "public", 300)
	urgent := indexEntry(3, bundle.PriorityEmergency, "public", 200)

	toPush, _ := ComputeTransferSet(TransferSetParams{
		Local:            []bundle.IndexEntry{newLow, oldLow, urgent},
		Remote:           nil,
		RemoteNode:       "node-b",
		RemoteAuthorized: allowAll,
		LocalAuthorized:  allowAll,
	})

	want := []byte{3, 1, 2}
	got := ids(toPush)
	if len(got) != len(want) {
		t.Fatalf("to_push has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("to_push[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestComputeTransferSetVanishedBundleSkipped(t *testing.T) {
	gone := indexEntry(1, bundle.PriorityNormal, "public", 100)

	toPush, _ := ComputeTransferSet(TransferSetParams{
		Local:            []bundle.IndexEntry{gone},
		Remote:           nil,
		RemoteNode:       "node-b",
		RemoteAuthorized: allowAll,
		LocalAuthorized:  allowAll,
		Detail: func(bundle.ID) (int, []string, bool) {
			return 0, nil, false
		},
	})
	if len(toPush) != 0 {
		t.Errorf("to_push = %v, want empty for a vanished bundle", ids(toPush))
	}
}
