// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

// Sweep transitions every queued or delivered bundle whose TTL has
// elapsed to expired, and returns how many moved. Sweeping is
// idempotent: a bundle transitions exactly once no matter how often
// or concurrently the sweep runs.
//
// Quarantined bundles are not swept. They leave quarantine only
// through an explicit Release, which routes them to expired itself
// when the TTL has passed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	nowMillis := s.clock.Now().UnixMilli()
	err = sqlitex.Execute(conn,
		`UPDATE bundles SET state = ?
		 WHERE state IN ('queued', 'delivered') AND ttl_expiry <= ?`,
		&sqlitex.ExecOptions{Args: []any{string(bundle.StateExpired), nowMillis}})
	if err != nil {
		return 0, fmt.Errorf("store: sweep: %w", err)
	}

	moved := conn.Changes()
	if moved > 0 {
		s.metrics.RecordExpired(moved)
		s.logger.Info("ttl sweep", "expired", moved)
	}
	if total, err := occupancy(conn, nowMillis); err == nil {
		s.metrics.SetOccupancy(total)
	}
	return moved, nil
}

// PurgeExpired deletes expired rows whose TTL elapsed at least grace
// ago, and returns how many were removed. The grace window keeps
// recently expired ids around so a sweep-then-purge race with an
// in-flight sync cannot re-admit a bundle the instant it expires.
func (s *Store) PurgeExpired(ctx context.Context, grace time.Duration) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-grace).UnixMilli()
	purged, err := deleteWhere(conn, `state = 'expired' AND ttl_expiry <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged expired bundles", "count", purged)
	}
	return purged, nil
}
