// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

// StaticTrust is a TrustProvider backed by a fixed audience table,
// suitable for daemon configuration. Richer deployments substitute
// their own provider.
type StaticTrust struct {
	// Open authorizes every viewer for every audience. Audiences is
	// ignored when set.
	Open bool

	// Audiences maps an audience tag to the node names authorized to
	// receive it. Audiences absent from the table are public: every
	// viewer is authorized. Listing an audience restricts it to the
	// named nodes.
	Audiences map[string][]string
}

// Authorized reports whether viewer may receive bundles tagged with
// audience.
func (t *StaticTrust) Authorized(viewer, audience string) bool {
	if t.Open {
		return true
	}
	nodes, restricted := t.Audiences[audience]
	if !restricted {
		return true
	}
	for _, node := range nodes {
		if node == viewer {
			return true
		}
	}
	return false
}
