// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/codec"
)

// AdmitOutcome reports what Admit did with a bundle.
type AdmitOutcome int

const (
	// AdmitStored means the bundle entered the store in queued state.
	AdmitStored AdmitOutcome = iota

	// AdmitDuplicate means a bundle with the same content address
	// already exists; the store is unchanged.
	AdmitDuplicate
)

func (o AdmitOutcome) String() string {
	switch o {
	case AdmitStored:
		return "stored"
	case AdmitDuplicate:
		return "duplicate"
	}
	return fmt.Sprintf("AdmitOutcome(%d)", int(o))
}

// Admit validates b and persists it in queued state.
//
// Validation failures (format, content-address mismatch, bad
// signature) reject the bundle without touching the store. An
// already-expired bundle reports ExpiredError. A bundle whose ID is
// already present is a no-op reporting AdmitDuplicate, regardless of
// the existing record's state.
//
// If admission would push the active occupancy over the budget the
// store evicts, inside the same transaction: expired entries first
// (oldest first, any priority), then entries of strictly lower
// priority than b (lowest priority first, oldest first within a
// priority). Quarantined entries are never evicted. If full eviction
// still cannot make room, Admit reports AdmissionRejectedError and
// the store is unchanged.
func (s *Store) Admit(ctx context.Context, b *bundle.Bundle) (AdmitOutcome, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if err := b.Verify(); err != nil {
		return 0, err
	}
	nowMillis := s.clock.Now().UnixMilli()
	if nowMillis >= b.TTLExpiry {
		return 0, &bundle.ExpiredError{ID: b.ID, Expiry: b.TTLExpiry}
	}

	encoded, err := bundle.Encode(b)
	if err != nil {
		return 0, err
	}
	size := int64(len(encoded))
	if size > s.budget {
		return 0, &AdmissionRejectedError{
			ID:          b.ID,
			Size:        size,
			Budget:      s.budget,
			Reclaimable: 0,
		}
	}

	seenByBlob, err := codec.Marshal(b.SeenBy)
	if err != nil {
		return 0, fmt.Errorf("store: admit %s: encoding seen_by: %w", bundle.FormatID(b.ID), err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	outcome, err := s.admitLocked(conn, b, encoded, seenByBlob, nowMillis)
	if err != nil {
		if IsAdmissionRejected(err) {
			s.metrics.RecordRejection()
		}
		return 0, err
	}

	switch outcome {
	case AdmitStored:
		s.metrics.RecordAdmission(b.Priority.String())
		s.logger.Info("bundle admitted",
			"bundle", bundle.FormatID(b.ID),
			"priority", b.Priority.String(),
			"size", size,
			"ttl_expiry", b.TTLExpiry)
	case AdmitDuplicate:
		s.metrics.RecordDuplicate()
		s.logger.Debug("duplicate bundle ignored", "bundle", bundle.FormatID(b.ID))
	}

	if total, err := occupancy(conn, nowMillis); err == nil {
		s.metrics.SetOccupancy(total)
	}
	return outcome, nil
}

// admitLocked runs the duplicate check, eviction, and insert as one
// IMMEDIATE transaction. Caller holds writeMu.
func (s *Store) admitLocked(conn *sqlite.Conn, b *bundle.Bundle, encoded, seenByBlob []byte, nowMillis int64) (_ AdmitOutcome, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: admit: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	exists := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM bundles WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{b.ID[:]},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: admit %s: %w", bundle.FormatID(b.ID), err)
	}
	if exists {
		return AdmitDuplicate, nil
	}

	size := int64(len(encoded))
	used, err := occupancy(conn, nowMillis)
	if err != nil {
		return 0, err
	}
	if need := used + size - s.budget; need > 0 {
		if err := s.evict(conn, b, size, need, nowMillis); err != nil {
			return 0, err
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO bundles
			(id, state, priority, audience, created_at, ttl_expiry,
			 size, hop_count, seen_by, encoded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			b.ID[:],
			string(bundle.StateQueued),
			int64(b.Priority),
			b.Audience,
			b.CreatedAt,
			b.TTLExpiry,
			size,
			int64(b.HopCount),
			seenByBlob,
			encoded,
		}})
	if err != nil {
		return 0, fmt.Errorf("store: admit %s: insert: %w", bundle.FormatID(b.ID), err)
	}
	return AdmitStored, nil
}

// evictionCandidate is one row eligible for removal during admission.
type evictionCandidate struct {
	id   bundle.ID
	size int64
}

// evict frees at least need bytes of budgeted space for b, or fails
// with AdmissionRejectedError leaving the transaction to roll back.
// Runs inside the admission transaction.
func (s *Store) evict(conn *sqlite.Conn, b *bundle.Bundle, size, need int64, nowMillis int64) error {
	// Expired rows hold no budget, so deleting them does not reduce
	// need — but they are dead weight and admission is the natural
	// point to clear them ahead of live evictions. Quarantined rows
	// are exempt even past their TTL: they stay inspectable until an
	// explicit release.
	expiredGone, err := deleteWhere(conn,
		`state = 'expired'
		 OR (state IN ('queued', 'delivered') AND ttl_expiry <= ?)`, nowMillis)
	if err != nil {
		return fmt.Errorf("store: evict expired: %w", err)
	}
	s.metrics.RecordEviction("expired", expiredGone)

	var candidates []evictionCandidate
	err = sqlitex.Execute(conn,
		`SELECT id, size FROM bundles
		 WHERE state IN ('queued', 'delivered') AND priority < ?
		 ORDER BY priority ASC, created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{int64(b.Priority)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var candidate evictionCandidate
				if stmt.ColumnLen(0) != len(candidate.id) {
					return fmt.Errorf("malformed bundle id, %d bytes", stmt.ColumnLen(0))
				}
				stmt.ColumnBytes(0, candidate.id[:])
				candidate.size = stmt.ColumnInt64(1)
				candidates = append(candidates, candidate)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: evict: listing candidates: %w", err)
	}

	var reclaimable int64
	for _, candidate := range candidates {
		reclaimable += candidate.size
	}
	if reclaimable < need {
		return &AdmissionRejectedError{
			ID:          b.ID,
			Size:        size,
			Budget:      s.budget,
			Reclaimable: reclaimable,
		}
	}

	evicted := 0
	var reclaimed int64
	for _, candidate := range candidates {
		if reclaimed >= need {
			break
		}
		err := sqlitex.Execute(conn, `DELETE FROM bundles WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{candidate.id[:]}})
		if err != nil {
			return fmt.Errorf("store: evict %s: %w", bundle.FormatID(candidate.id), err)
		}
		reclaimed += candidate.size
		evicted++
		s.logger.Info("bundle evicted for budget",
			"bundle", bundle.FormatID(candidate.id),
			"for", bundle.FormatID(b.ID))
	}
	s.metrics.RecordEviction("priority", evicted)
	return nil
}

// deleteWhere deletes matching rows and returns how many went.
func deleteWhere(conn *sqlite.Conn, where string, args ...any) (int, error) {
	err := sqlitex.Execute(conn, `DELETE FROM bundles WHERE `+where,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}
