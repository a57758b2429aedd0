// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue maintains in-memory ordered views of the bundle
// store, one per lifecycle state. The views are derived data: they
// carry no durability of their own and can be rebuilt from the store
// at any time, which is how a node recovers its delivery order after
// a restart.
package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

// viewStates are the lifecycle states the queue tracks. Terminal
// deleted rows (purged, rejected) never reach the queue.
var viewStates = []bundle.State{
	bundle.StateQueued,
	bundle.StateDelivered,
	bundle.StateExpired,
	bundle.StateQuarantined,
}

// Queue holds per-state views ordered by (priority desc, created_at
// asc): within a tier, older bundles are served first, so no tier can
// starve its own backlog. Safe for concurrent use — local delivery
// consumers, the TTL sweep, and sync sessions all read it at once.
type Queue struct {
	mu     sync.RWMutex
	views  map[bundle.State][]bundle.IndexEntry
	states map[bundle.ID]bundle.State
}

// New returns an empty queue ready for use.
func New() *Queue {
	q := &Queue{
		views:  make(map[bundle.State][]bundle.IndexEntry, len(viewStates)),
		states: make(map[bundle.ID]bundle.State),
	}
	for _, state := range viewStates {
		q.views[state] = nil
	}
	return q
}

// Put places a bundle's index entry into the view for state,
// removing it from any view it previously occupied. Inserting an
// entry already in the target state refreshes it in place.
func (q *Queue) Put(entry bundle.IndexEntry, state bundle.State) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, tracked := q.views[state]; !tracked {
		return
	}
	q.removeLocked(entry.ID)
	view := q.views[state]
	at := sort.Search(len(view), func(i int) bool {
		return !bundle.Less(view[i], entry)
	})
	view = append(view, bundle.IndexEntry{})
	copy(view[at+1:], view[at:])
	view[at] = entry
	q.views[state] = view
	q.states[entry.ID] = state
}

// Remove drops a bundle from whatever view holds it. No-op when
// absent.
func (q *Queue) Remove(id bundle.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
}

func (q *Queue) removeLocked(id bundle.ID) {
	state, ok := q.states[id]
	if !ok {
		return
	}
	view := q.views[state]
	for i := range view {
		if view[i].ID == id {
			q.views[state] = append(view[:i], view[i+1:]...)
			break
		}
	}
	delete(q.states, id)
}

// State reports which view currently holds id.
func (q *Queue) State(id bundle.ID) (bundle.State, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	state, ok := q.states[id]
	return state, ok
}

// Len returns the number of entries in the given state's view.
func (q *Queue) Len(state bundle.State) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.views[state])
}

// NextForDelivery returns the highest-priority, oldest queued entry
// without removing it. The delivery consumer takes the entry, fetches
// the full bundle from the store, and on success marks it delivered
// there; the store transition flows back into the queue via Put.
func (q *Queue) NextForDelivery() (bundle.IndexEntry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	view := q.views[bundle.StateQueued]
	if len(view) == 0 {
		return bundle.IndexEntry{}, false
	}
	return view[0], true
}

// Snapshot returns a copy of the view for state, in serving order.
func (q *Queue) Snapshot(state bundle.State) []bundle.IndexEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	view := q.views[state]
	if len(view) == 0 {
		return nil
	}
	out := make([]bundle.IndexEntry, len(view))
	copy(out, view)
	return out
}

// RebuildRecord is one bundle's contribution to a rebuild.
type RebuildRecord struct {
	Entry bundle.IndexEntry
	State bundle.State
}

// Rebuild discards the current views and repopulates them from
// records, typically gathered from the store at startup.
func (q *Queue) Rebuild(records []RebuildRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, state := range viewStates {
		q.views[state] = nil
	}
	q.states = make(map[bundle.ID]bundle.State, len(records))

	for _, record := range records {
		if _, tracked := q.views[record.State]; !tracked {
			return fmt.Errorf("queue: rebuild: untracked state %q for %s",
				record.State, bundle.FormatID(record.Entry.ID))
		}
		q.views[record.State] = append(q.views[record.State], record.Entry)
		q.states[record.Entry.ID] = record.State
	}

	for _, state := range viewStates {
		view := q.views[state]
		sort.Slice(view, func(i, j int) bool {
			return bundle.Less(view[i], view[j])
		})
	}
	return nil
}
