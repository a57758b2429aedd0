// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"sort"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

// AuthorizeFunc is the trust predicate supplied by the external
// web-of-trust component: may the viewer receive bundles tagged with
// this audience. The protocol treats it as opaque.
type AuthorizeFunc func(audience string) bool

// LocalDetail resolves per-bundle provenance the compact index does
// not carry: the local copy's hop count and seen-by set. ok is false
// when the bundle vanished between index snapshot and computation.
type LocalDetail func(id bundle.ID) (hopCount int, seenBy []string, ok bool)

// TransferSetParams are the inputs to one side's reconciliation.
type TransferSetParams struct {
	// Local and Remote are the two index snapshots.
	Local  []bundle.IndexEntry
	Remote []bundle.IndexEntry

	// RemoteNode is the peer's node name, excluded via seen-by.
	RemoteNode string

	// RemoteAuthorized gates what the peer may receive from us;
	// LocalAuthorized gates what we may pull from the peer. A nil
	// predicate authorizes nothing.
	RemoteAuthorized AuthorizeFunc
	LocalAuthorized  AuthorizeFunc

	// Detail resolves local provenance for push filtering. Nil skips
	// the seen-by and hop-ceiling checks.
	Detail LocalDetail

	// MaxHops halts propagation: a local copy that has already
	// travelled MaxHops hops is not pushed further. Zero means
	// unlimited.
	MaxHops int
}

// ComputeTransferSet reconciles the two indexes. toPush holds the
// local bundles the remote is missing and authorized to receive, in
// transfer order (priority descending, oldest first). toPull is the
// symmetric complement: remote bundles missing locally that this node
// is authorized to receive.
//
// A bundle the remote already holds (by id), or that this node has
// already sent to the remote (seen-by), is never pushed — minimality
// guards the contact window, which may be seconds long.
func ComputeTransferSet(params TransferSetParams) (toPush, toPull []bundle.IndexEntry) {
	localIDs := make(map[bundle.ID]struct{}, len(params.Local))
	for _, entry := range params.Local {
		localIDs[entry.ID] = struct{}{}
	}
	remoteIDs := make(map[bundle.ID]struct{}, len(params.Remote))
	for _, entry := range params.Remote {
		remoteIDs[entry.ID] = struct{}{}
	}

	for _, entry := range params.Local {
		if _, held := remoteIDs[entry.ID]; held {
			continue
		}
		if params.RemoteAuthorized == nil || !params.RemoteAuthorized(entry.Audience) {
			continue
		}
		if params.Detail != nil {
			hopCount, seenBy, ok := params.Detail(entry.ID)
			if !ok {
				continue
			}
			if params.MaxHops > 0 && hopCount >= params.MaxHops {
				continue
			}
			if containsNode(seenBy, params.RemoteNode) {
				continue
			}
		}
		toPush = append(toPush, entry)
	}

	for _, entry := range params.Remote {
		if _, held := localIDs[entry.ID]; held {
			continue
		}
		if params.LocalAuthorized == nil || !params.LocalAuthorized(entry.Audience) {
			continue
		}
		toPull = append(toPull, entry)
	}

	sortTransferOrder(toPush)
	sortTransferOrder(toPull)
	return toPush, toPull
}

// sortTransferOrder applies the delivery comparator so emergency
// content crosses first when a contact window is cut short.
func sortTransferOrder(entries []bundle.IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return bundle.Less(entries[i], entries[j])
	})
}

func containsNode(seenBy []string, node string) bool {
	for _, seen := range seenBy {
		if seen == node {
			return true
		}
	}
	return false
}
