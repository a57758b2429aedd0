// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/clock"
	"github.com/mulemesh/mulemesh/lib/codec"
	"github.com/mulemesh/mulemesh/lib/sqlitepool"
	"github.com/mulemesh/mulemesh/lib/telemetry"
)

// activeStates are the lifecycle states whose bundles count against
// the byte budget. Expired rows still occupy disk until purged, but
// they no longer hold budget and are the first reclaimed.
const activeStates = "'queued', 'delivered', 'quarantined'"

const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id                BLOB PRIMARY KEY,
	state             TEXT NOT NULL,
	priority          INTEGER NOT NULL,
	audience          TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	ttl_expiry        INTEGER NOT NULL,
	size              INTEGER NOT NULL,
	hop_count         INTEGER NOT NULL,
	seen_by           BLOB NOT NULL,
	quarantine_reason TEXT NOT NULL DEFAULT '',
	encoded           BLOB NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS bundles_by_state
	ON bundles (state, priority DESC, created_at ASC);

CREATE INDEX IF NOT EXISTS bundles_by_expiry
	ON bundles (ttl_expiry);
`

// Config holds the parameters for opening a bundle store.
type Config struct {
	// Path is the SQLite database file. Created if absent; the
	// parent directory must exist.
	Path string

	// Budget is the maximum total size in bytes of active bundles.
	// Required, must be positive.
	Budget int64

	// PoolSize is the SQLite connection count. Defaults to 4.
	PoolSize int

	// Clock provides the current time for expiry decisions. Required.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// Metrics receives store counters. Nil disables reporting.
	Metrics *telemetry.Metrics
}

// Store is the durable bundle store. Safe for concurrent use.
type Store struct {
	pool    *sqlitepool.Pool
	budget  int64
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// writeMu serializes every mutating operation above the pool.
	// SQLite would serialize the transactions anyway; holding the
	// mutex keeps writers from burning busy_timeout against each
	// other and makes admission-plus-eviction atomic without retry
	// loops.
	writeMu sync.Mutex
}

// Record is a stored bundle together with its lifecycle metadata.
type Record struct {
	Bundle *bundle.Bundle
	State  bundle.State

	// Size is the encoded size in bytes charged against the budget.
	Size int64

	// QuarantineReason is set while State is quarantined.
	QuarantineReason string
}

// Open opens (creating if necessary) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("store: Budget must be positive, got %d", cfg.Budget)
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{
		pool:    pool,
		budget:  cfg.Budget,
		clock:   cfg.Clock,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Budget returns the configured byte budget.
func (s *Store) Budget() int64 {
	return s.budget
}

// Occupancy returns the total size in bytes of bundles currently
// counted against the budget: active states only, expiry in the
// future.
func (s *Store) Occupancy(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return occupancy(conn, s.clock.Now().UnixMilli())
}

func occupancy(conn *sqlite.Conn, nowMillis int64) (int64, error) {
	var total int64
	err := sqlitex.Execute(conn,
		`SELECT COALESCE(SUM(size), 0) FROM bundles
		 WHERE state IN (`+activeStates+`) AND ttl_expiry > ?`,
		&sqlitex.ExecOptions{
			Args: []any{nowMillis},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: occupancy: %w", err)
	}
	return total, nil
}

// Counts returns the number of stored bundles per lifecycle state.
// States with no bundles are absent from the map.
func (s *Store) Counts(ctx context.Context) (map[bundle.State]int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	counts := make(map[bundle.State]int)
	err = sqlitex.Execute(conn,
		`SELECT state, COUNT(*) FROM bundles GROUP BY state`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[bundle.State(stmt.ColumnText(0))] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: counting states: %w", err)
	}
	return counts, nil
}

// Get returns the stored record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id bundle.ID) (*Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var record *Record
	err = sqlitex.Execute(conn,
		`SELECT state, size, quarantine_reason, hop_count, seen_by, encoded
		 FROM bundles WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = new(Record)
				return scanRecord(stmt, record)
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", bundle.FormatID(id), err)
	}
	if record == nil {
		return nil, fmt.Errorf("store: get %s: %w", bundle.FormatID(id), ErrNotFound)
	}
	return record, nil
}

// scanRecord decodes one row produced by a query selecting the
// standard column set (state, size, quarantine_reason, hop_count,
// seen_by, encoded) in that order.
func scanRecord(stmt *sqlite.Stmt, record *Record) error {
	record.State = bundle.State(stmt.ColumnText(0))
	record.Size = stmt.ColumnInt64(1)
	record.QuarantineReason = stmt.ColumnText(2)

	encoded := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, encoded)
	decoded, err := bundle.Decode(encoded)
	if err != nil {
		return fmt.Errorf("decoding stored bundle: %w", err)
	}

	// The encoded blob is the bundle as admitted. Hop count and
	// seen-by evolve per transfer and live in their own columns, so
	// overlay the live values.
	decoded.HopCount = int(stmt.ColumnInt64(3))
	seenByBlob := make([]byte, stmt.ColumnLen(4))
	stmt.ColumnBytes(4, seenByBlob)
	if len(seenByBlob) > 0 {
		var seenBy []string
		if err := codec.Unmarshal(seenByBlob, &seenBy); err != nil {
			return fmt.Errorf("decoding seen_by: %w", err)
		}
		decoded.SeenBy = seenBy
	}

	record.Bundle = decoded
	return nil
}

// ListByState returns the records in the given state, ordered by
// priority (highest first) then age (oldest first).
func (s *Store) ListByState(ctx context.Context, state bundle.State) ([]*Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []*Record
	err = sqlitex.Execute(conn,
		`SELECT state, size, quarantine_reason, hop_count, seen_by, encoded
		 FROM bundles WHERE state = ?
		 ORDER BY priority DESC, created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(state)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := new(Record)
				if err := scanRecord(stmt, record); err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", state, err)
	}
	return records, nil
}

// Index returns the advertisable index: one entry per transferable
// bundle (queued or delivered, not expired), in transfer order. This
// is the set a sync session exchanges with a peer.
func (s *Store) Index(ctx context.Context) ([]bundle.IndexEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	nowMillis := s.clock.Now().UnixMilli()
	var entries []bundle.IndexEntry
	err = sqlitex.Execute(conn,
		`SELECT id, priority, audience, created_at FROM bundles
		 WHERE state IN ('queued', 'delivered') AND ttl_expiry > ?
		 ORDER BY priority DESC, created_at ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{nowMillis},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var entry bundle.IndexEntry
				if stmt.ColumnLen(0) != len(entry.ID) {
					return fmt.Errorf("malformed bundle id in index, %d bytes", stmt.ColumnLen(0))
				}
				stmt.ColumnBytes(0, entry.ID[:])
				entry.Priority = bundle.Priority(stmt.ColumnInt64(1))
				entry.Audience = stmt.ColumnText(2)
				entry.CreatedAt = stmt.ColumnInt64(3)
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: index: %w", err)
	}
	return entries, nil
}

// Delete removes a bundle unconditionally. Deleting an absent id is a
// no-op: concurrent deletes of the same bundle both succeed.
func (s *Store) Delete(ctx context.Context, id bundle.ID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM bundles WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id[:]}})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", bundle.FormatID(id), err)
	}
	return nil
}

// setState transitions a bundle between lifecycle states inside a
// single transaction, verifying the current state first. fromStates
// lists the states the transition is legal from.
func (s *Store) setState(ctx context.Context, id bundle.ID, op string, to bundle.State, fromStates ...bundle.State) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: %s: begin transaction: %w", op, err)
	}
	defer endTransaction(&err)

	current, err := currentState(conn, id)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", op, bundle.FormatID(id), err)
	}

	allowed := false
	for _, from := range fromStates {
		if current == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return &StateError{ID: id, State: current, Op: op}
	}

	err = sqlitex.Execute(conn, `UPDATE bundles SET state = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(to), id[:]}})
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", op, bundle.FormatID(id), err)
	}
	return nil
}

func currentState(conn *sqlite.Conn, id bundle.ID) (bundle.State, error) {
	var state bundle.State
	err := sqlitex.Execute(conn, `SELECT state FROM bundles WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state = bundle.State(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", err
	}
	if state == "" {
		return "", ErrNotFound
	}
	return state, nil
}

// MarkDelivered transitions a queued bundle to delivered. Delivered
// bundles stay in the store (and in the sync index) until expiry so
// peers can still pull them, but the local queue no longer serves
// them.
func (s *Store) MarkDelivered(ctx context.Context, id bundle.ID) error {
	return s.setState(ctx, id, "deliver", bundle.StateDelivered, bundle.StateQueued)
}

// Quarantine pulls a queued bundle out of circulation pending review.
// The bundle keeps its budget charge and is never evicted or swept
// while quarantined.
func (s *Store) Quarantine(ctx context.Context, id bundle.ID, reason string) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: quarantine: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	current, err := currentState(conn, id)
	if err != nil {
		return fmt.Errorf("store: quarantine %s: %w", bundle.FormatID(id), err)
	}
	if current != bundle.StateQueued {
		return &StateError{ID: id, State: current, Op: "quarantine"}
	}

	err = sqlitex.Execute(conn,
		`UPDATE bundles SET state = ?, quarantine_reason = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(bundle.StateQuarantined), reason, id[:]}})
	if err != nil {
		return fmt.Errorf("store: quarantine %s: %w", bundle.FormatID(id), err)
	}

	s.logger.Warn("bundle quarantined", "bundle", bundle.FormatID(id), "reason", reason)
	return nil
}

// Release moves a quarantined bundle back to queued, or to expired if
// its TTL elapsed while held. The transition is committed either way;
// the returned state tells the caller which way it went.
func (s *Store) Release(ctx context.Context, id bundle.ID) (_ bundle.State, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("store: release: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var state bundle.State
	var expiry int64
	found := false
	err = sqlitex.Execute(conn, `SELECT state, ttl_expiry FROM bundles WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				state = bundle.State(stmt.ColumnText(0))
				expiry = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: release %s: %w", bundle.FormatID(id), err)
	}
	if !found {
		return "", fmt.Errorf("store: release %s: %w", bundle.FormatID(id), ErrNotFound)
	}
	if state != bundle.StateQuarantined {
		return "", &StateError{ID: id, State: state, Op: "release"}
	}

	target := bundle.StateQueued
	if s.clock.Now().UnixMilli() >= expiry {
		target = bundle.StateExpired
	}

	err = sqlitex.Execute(conn,
		`UPDATE bundles SET state = ?, quarantine_reason = '' WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(target), id[:]}})
	if err != nil {
		return "", fmt.Errorf("store: release %s: %w", bundle.FormatID(id), err)
	}

	if target == bundle.StateExpired {
		s.logger.Info("quarantined bundle expired in custody", "bundle", bundle.FormatID(id))
	} else {
		s.logger.Info("bundle released from quarantine", "bundle", bundle.FormatID(id))
	}
	return target, nil
}

// RecordForward notes that this node sent the bundle to peer, adding
// peer to the local copy's seen-by set so it is never re-offered
// there. Hop counts belong to the travelling copy: the receiver
// stores the bundle with the sender's hop count plus one, while the
// local copy's count is untouched. Recording the same peer twice is a
// no-op.
func (s *Store) RecordForward(ctx context.Context, id bundle.ID, peer string) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: record forward: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var seenBy []string
	found := false
	err = sqlitex.Execute(conn, `SELECT seen_by FROM bundles WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				if len(blob) > 0 {
					return codec.Unmarshal(blob, &seenBy)
				}
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: record forward %s: %w", bundle.FormatID(id), err)
	}
	if !found {
		return fmt.Errorf("store: record forward %s: %w", bundle.FormatID(id), ErrNotFound)
	}

	for _, node := range seenBy {
		if node == peer {
			return nil
		}
	}
	seenBy = append(seenBy, peer)
	seenByBlob, err := codec.Marshal(seenBy)
	if err != nil {
		return fmt.Errorf("store: record forward %s: encoding seen_by: %w", bundle.FormatID(id), err)
	}

	err = sqlitex.Execute(conn,
		`UPDATE bundles SET seen_by = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{seenByBlob, id[:]}})
	if err != nil {
		return fmt.Errorf("store: record forward %s: %w", bundle.FormatID(id), err)
	}
	return nil
}
