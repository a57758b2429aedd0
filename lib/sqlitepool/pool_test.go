// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "pool.db"),
		PoolSize: size,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestTakePutRoundtrip(t *testing.T) {
	pool := openTestPool(t, 2)
	ctx := context.Background()

	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"alpha", "1"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestOnConnectRunsPerConnection(t *testing.T) {
	pool := openTestPool(t, 4)
	ctx := context.Background()

	// Every connection must see the schema from OnConnect.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := pool.Take(ctx)
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			defer pool.Put(conn)
			err = sqlitex.Execute(conn, "INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
				Args: []any{"k", "v"},
			})
			if err != nil {
				t.Errorf("insert on conn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
}
